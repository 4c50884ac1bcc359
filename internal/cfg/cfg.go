package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ClaudeAPIKey          string
	ClaudeModel           string
	SOPPath               string
	DatabaseURL           string
	VapiAPIKey            string
	VapiPhoneNumberID     string
	OpsHotline            string
	RegenDelaySeconds     int
	MaxRegenRounds        int
	CallPollMillis        int
	CallTimeoutSeconds    int
	SlackWebhookURL       string
	ApprovalToken         string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = deterministic planner only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.SOPPath, "sop-path", "data/sop_mrna_v1.md", "path to the standard operating procedure document")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.VapiAPIKey, "vapi-api-key", "", "API key for the Vapi voice provider (empty = simulated calls)")
	fs.StringVar(&c.VapiPhoneNumberID, "vapi-phone-number-id", "", "Vapi phone number ID used as the outbound caller")
	fs.StringVar(&c.OpsHotline, "ops-hotline", "+15550123456", "operations hotline dialed for escalations and rejection notices")
	fs.IntVar(&c.RegenDelaySeconds, "regen-delay-seconds", 5, "seconds to wait before regenerating a rejected plan (0..300)")
	fs.IntVar(&c.MaxRegenRounds, "max-regen-rounds", 3, "plan generation rounds before escalating to a human (1..10)")
	fs.IntVar(&c.CallPollMillis, "call-poll-millis", 500, "milliseconds between voice call status polls (50..10000)")
	fs.IntVar(&c.CallTimeoutSeconds, "call-timeout-seconds", 60, "seconds before an unanswered voice call is abandoned (1..600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.ApprovalToken, "approval-token", "", "bearer token guarding the approval endpoint (empty = open)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// An LLM key without a model cannot be wired
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.SOPPath == "" {
		errs = append(errs, errors.New("SOP_PATH is required"))
	}

	// Vapi needs both halves of its credential pair
	if c.VapiAPIKey != "" && c.VapiPhoneNumberID == "" {
		errs = append(errs, errors.New("VAPI_PHONE_NUMBER_ID is required when VAPI_API_KEY is set"))
	}

	if c.OpsHotline == "" {
		errs = append(errs, errors.New("OPS_HOTLINE is required"))
	}

	if c.RegenDelaySeconds < 0 || c.RegenDelaySeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid REGEN_DELAY_SECONDS %d (must be 0..300)", c.RegenDelaySeconds))
	}
	if c.MaxRegenRounds <= 0 || c.MaxRegenRounds > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_REGEN_ROUNDS %d (must be 1..10)", c.MaxRegenRounds))
	}
	if c.CallPollMillis < 50 || c.CallPollMillis > 10000 {
		errs = append(errs, fmt.Errorf("invalid CALL_POLL_MILLIS %d (must be 50..10000)", c.CallPollMillis))
	}
	if c.CallTimeoutSeconds <= 0 || c.CallTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid CALL_TIMEOUT_SECONDS %d (must be 1..600)", c.CallTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
