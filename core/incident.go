package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered severity scale used by incidents and playbooks.
// Ordering is low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric position of s on the severity scale, or -1 for
// an unknown severity.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the defined severity levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity normalizes and validates a severity string.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Severities lists the valid severity levels in ascending order.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// Category is a coarse grouping of incident types.
type Category string

const (
	CategorySecurity       Category = "security"
	CategoryAvailability   Category = "availability"
	CategoryDataIntegrity  Category = "data_integrity"
	CategoryCompliance     Category = "compliance"
	CategoryInfrastructure Category = "infrastructure"
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	switch c {
	case CategorySecurity, CategoryAvailability, CategoryDataIntegrity,
		CategoryCompliance, CategoryInfrastructure:
		return true
	}
	return false
}

// Incident is the triggering event a playbook responds to. Incidents are
// created by upstream detection tooling; this service only reads them.
type Incident struct {
	ID           string            `json:"id"`
	FirmID       string            `json:"firm_id"`
	IncidentType string            `json:"incident_type"`
	Category     Category          `json:"category"`
	Severity     Severity          `json:"severity"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ReportedBy   string            `json:"reported_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewIncidentID generates an incident identifier.
func NewIncidentID() string {
	return fmt.Sprintf("inc-%s", uuid.New().String()[:8])
}

// taxonomy maps specific incident types to their category so that
// category-level playbooks can match typed incidents.
type taxonomy struct {
	mu     sync.RWMutex
	byType map[string]Category
}

var defaultTaxonomy = &taxonomy{
	byType: map[string]Category{
		"ransomware":           CategorySecurity,
		"malware":              CategorySecurity,
		"phishing":             CategorySecurity,
		"credential_theft":     CategorySecurity,
		"unauthorized_access":  CategorySecurity,
		"data_exfiltration":    CategorySecurity,
		"ddos":                 CategoryAvailability,
		"service_outage":       CategoryAvailability,
		"degraded_performance": CategoryAvailability,
		"data_corruption":      CategoryDataIntegrity,
		"data_loss":            CategoryDataIntegrity,
		"policy_violation":     CategoryCompliance,
		"audit_failure":        CategoryCompliance,
		"hardware_failure":     CategoryInfrastructure,
		"capacity_exhaustion":  CategoryInfrastructure,
	},
}

// CategoryOf resolves the category for an incident type. Unknown types
// resolve to ("", false); callers should then fall back to the category
// recorded on the incident itself.
func CategoryOf(incidentType string) (Category, bool) {
	defaultTaxonomy.mu.RLock()
	defer defaultTaxonomy.mu.RUnlock()
	c, ok := defaultTaxonomy.byType[strings.ToLower(incidentType)]
	return c, ok
}

// RegisterIncidentType adds or overrides a taxonomy entry. Intended for
// deployment-specific incident types loaded at startup.
func RegisterIncidentType(incidentType string, category Category) error {
	if strings.TrimSpace(incidentType) == "" {
		return fmt.Errorf("incident type must not be empty")
	}
	if !ValidCategory(category) {
		return fmt.Errorf("unknown category %q", category)
	}
	defaultTaxonomy.mu.Lock()
	defer defaultTaxonomy.mu.Unlock()
	defaultTaxonomy.byType[strings.ToLower(incidentType)] = category
	return nil
}
