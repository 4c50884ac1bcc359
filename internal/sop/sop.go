// Package sop loads the standard-operating-procedure document that backs plan
// generation: regional contacts, ice depot lists, and emergency facilities.
//
// The document is markdown with a YAML front matter block. Loading either
// yields a fully parsed regional view or fails with ErrUnavailable; callers
// never see a half-populated structure.
package sop

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/coldwatch/internal/region"
)

// ErrUnavailable reports that the SOP document is missing or malformed. It is
// a configuration-class failure: the pipeline cannot produce a safe plan
// without it and does not retry.
var ErrUnavailable = errors.New("sop data unavailable")

const frontMatterDelim = "---"

// ContactEmergencyManager is the contact role every region must define; it is
// the last-resort phone number for escalation plans.
const ContactEmergencyManager = "emergency_manager"

// Depot is a regional dry-ice depot that can resupply a shipment in transit.
type Depot struct {
	Name        string `yaml:"name" json:"name"`
	Phone       string `yaml:"phone" json:"phone"`
	Contact     string `yaml:"contact" json:"contact"`
	LeadMinutes int    `yaml:"lead_minutes" json:"lead_minutes"`
	Region      string `yaml:"region" json:"region"`
}

// Facility is an emergency cold-storage site a shipment can be rerouted to.
type Facility struct {
	Name     string `yaml:"name" json:"name"`
	Phone    string `yaml:"phone" json:"phone"`
	Capacity string `yaml:"capacity" json:"capacity"`
}

// Data is the regional view of the SOP document. Read-only reference data;
// depot and facility order follows the document and is significant.
type Data struct {
	Region     region.Region
	Contacts   map[string]string
	Depots     []Depot
	Facilities []Facility
}

// EmergencyManager returns the region's emergency-manager phone number.
// Presence is validated at load time.
func (d *Data) EmergencyManager() string {
	return d.Contacts[ContactEmergencyManager]
}

// document is the front matter layout, keyed by region name.
type document struct {
	Contacts            map[string]map[string]string `yaml:"contacts"`
	IceDepots           map[string][]Depot           `yaml:"ice_depots"`
	EmergencyFacilities map[string][]Facility        `yaml:"emergency_facilities"`
}

// Repository reads and caches the SOP document. Safe for concurrent reads;
// the parsed document is cached after the first successful load.
type Repository struct {
	path string

	mu  sync.RWMutex
	doc *document
	raw string
}

// NewRepository creates a Repository backed by the document at path. The file
// is not read until the first Load or Raw call.
func NewRepository(path string) *Repository {
	return &Repository{path: path}
}

// Load returns the SOP data for one region, or ErrUnavailable if the backing
// document is missing, malformed, or does not cover the region.
func (r *Repository) Load(reg region.Region) (*Data, error) {
	doc, _, err := r.load()
	if err != nil {
		return nil, err
	}

	key := string(reg)
	contacts, ok := doc.Contacts[key]
	if !ok {
		return nil, fmt.Errorf("no contacts for region %q: %w", reg, ErrUnavailable)
	}

	return &Data{
		Region:     reg,
		Contacts:   contacts,
		Depots:     doc.IceDepots[key],
		Facilities: doc.EmergencyFacilities[key],
	}, nil
}

// Raw returns the full document text for embedding in reasoning prompts.
func (r *Repository) Raw() (string, error) {
	_, raw, err := r.load()
	return raw, err
}

func (r *Repository) load() (*document, string, error) {
	r.mu.RLock()
	if r.doc != nil {
		doc, raw := r.doc, r.raw
		r.mu.RUnlock()
		return doc, raw, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != nil {
		return r.doc, r.raw, nil
	}

	content, err := os.ReadFile(r.path)
	if err != nil {
		return nil, "", fmt.Errorf("read sop document %s: %v: %w", r.path, err, ErrUnavailable)
	}

	doc, err := parse(string(content))
	if err != nil {
		return nil, "", err
	}

	r.doc = doc
	r.raw = string(content)
	return r.doc, r.raw, nil
}

// parse extracts and decodes the YAML front matter, then checks the
// invariants the planner depends on.
func parse(content string) (*document, error) {
	yamlBlock, err := frontMatter(content)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal([]byte(yamlBlock), &doc); err != nil {
		return nil, fmt.Errorf("parse sop front matter: %v: %w", err, ErrUnavailable)
	}

	if len(doc.Contacts) == 0 {
		return nil, fmt.Errorf("sop front matter has no contacts: %w", ErrUnavailable)
	}
	for reg, contacts := range doc.Contacts {
		if contacts[ContactEmergencyManager] == "" {
			return nil, fmt.Errorf("region %q has no %s contact: %w", reg, ContactEmergencyManager, ErrUnavailable)
		}
	}

	return &doc, nil
}

// frontMatter returns the text between the leading "---" delimiter pair.
func frontMatter(content string) (string, error) {
	rest, ok := strings.CutPrefix(content, frontMatterDelim)
	if !ok {
		return "", fmt.Errorf("sop document missing front matter delimiter: %w", ErrUnavailable)
	}
	block, _, ok := strings.Cut(rest, "\n"+frontMatterDelim)
	if !ok {
		return "", fmt.Errorf("sop document missing closing front matter delimiter: %w", ErrUnavailable)
	}
	return block, nil
}
