// Package vapi is a Dialer implementation on the Vapi telephony API.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/coldwatch/internal/voice"
)

const defaultBaseURL = "https://api.vapi.ai"

// Client places outbound calls through Vapi.
type Client struct {
	apiKey        string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
}

// New creates a Vapi client. phoneNumberID is the provisioned outbound
// caller-id resource.
func New(apiKey, phoneNumberID string) *Client {
	return &Client{
		apiKey:        apiKey,
		phoneNumberID: phoneNumberID,
		baseURL:       defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type createCallRequest struct {
	Customer      customer  `json:"customer"`
	PhoneNumberID string    `json:"phoneNumberId"`
	Assistant     assistant `json:"assistant"`
}

type customer struct {
	Number string `json:"number"`
}

type assistant struct {
	FirstMessage       string `json:"firstMessage"`
	EndCallMessage     string `json:"endCallMessage"`
	MaxDurationSeconds int    `json:"maxDurationSeconds"`
}

type callResource struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	Transcript      string  `json:"transcript"`
	EndedReason     string  `json:"endedReason"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Start creates an outbound call and returns its queued state.
func (c *Client) Start(ctx context.Context, req voice.CallRequest) (voice.CallResponse, error) {
	payload := createCallRequest{
		Customer:      customer{Number: voice.FormatPhone(req.Phone)},
		PhoneNumberID: c.phoneNumberID,
		Assistant: assistant{
			FirstMessage:       req.Message,
			EndCallMessage:     "Thank you for your time. Goodbye!",
			MaxDurationSeconds: 180,
		},
	}

	var created callResource
	if err := c.do(ctx, http.MethodPost, "/call", payload, &created); err != nil {
		return voice.CallResponse{}, err
	}

	return voice.CallResponse{
		CallID: created.ID,
		Status: voice.StatusQueued,
	}, nil
}

// Status fetches the call's current state. A 404 maps to the synthetic
// failed/"call not found" response required by the Dialer contract.
func (c *Client) Status(ctx context.Context, callID string) (voice.CallResponse, error) {
	var call callResource
	err := c.do(ctx, http.MethodGet, "/call/"+callID, nil, &call)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
			return voice.CallResponse{
				CallID:     callID,
				Status:     voice.StatusFailed,
				Transcript: "Call not found",
			}, nil
		}
		return voice.CallResponse{}, err
	}

	return voice.CallResponse{
		CallID:          call.ID,
		Status:          mapStatus(call.Status),
		Transcript:      call.Transcript,
		Feedback:        call.EndedReason,
		DurationSeconds: int(call.DurationSeconds),
	}, nil
}

// mapStatus folds Vapi's call states onto the four-state contract.
func mapStatus(s string) voice.Status {
	switch s {
	case "queued", "scheduled":
		return voice.StatusQueued
	case "ringing", "in-progress", "forwarding":
		return voice.StatusInProgress
	case "ended", "completed":
		return voice.StatusCompleted
	default:
		return voice.StatusFailed
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vapi api error %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
