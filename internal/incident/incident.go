// Package incident implements the incident ledger: the terminal record for
// every material step of the pipeline. It owns incident lifecycle
// transitions, alert thresholds, escalation policies, the stakeholder
// registry, metrics and periodic reports.
package incident

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an incident does not exist.
	ErrNotFound = errors.New("incident: not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("incident: invalid status transition")
	// ErrResolutionTime is returned when resolution time and resolved status disagree.
	ErrResolutionTime = errors.New("incident: resolution time must be set exactly when status is resolved")
	// ErrInvalidParams is returned when creation parameters are incomplete.
	ErrInvalidParams = errors.New("incident: invalid parameters")
)

// Severity is the incident severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityFromRisk maps a 0-100 risk score onto an incident severity the way
// security notifications are classified: ≥90 critical, ≥70 high, otherwise medium.
func SeverityFromRisk(risk float64) Severity {
	switch {
	case risk >= 90:
		return SeverityCritical
	case risk >= 70:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Category groups incidents for thresholds, escalation and reporting.
type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryDataAccess      Category = "data_access"
	CategoryThreatDetection Category = "threat_detection"
	CategoryFraud           Category = "fraud"
	CategorySystem          Category = "system"
	CategoryCompliance      Category = "compliance"
	CategoryResponse        Category = "response"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusInProgress    Status = "in_progress"
	StatusEscalated     Status = "escalated"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

var statusRank = map[Status]int{
	StatusNew:           0,
	StatusInvestigating: 1,
	StatusInProgress:    2,
	StatusEscalated:     3,
	StatusResolved:      4,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFalsePositive
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// CanTransition reports whether an incident may move from one status to
// another. Statuses only move forward; false_positive may be declared
// before escalation.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == StatusFalsePositive {
		return from == StatusNew || from == StatusInvestigating || from == StatusInProgress
	}
	return statusRank[to] > statusRank[from]
}

// Incident is the ledger's unit of record.
type Incident struct {
	ID              string         `json:"id"`
	Category        Category       `json:"category"`
	Severity        Severity       `json:"severity"`
	Status          Status         `json:"status"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	AffectedSystems []string       `json:"affected_systems,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Details         map[string]any `json:"details,omitempty"`
	Assignee        string         `json:"assignee,omitempty"`
	EscalatedTo     string         `json:"escalated_to,omitempty"`
	EscalationLevel int            `json:"escalation_level,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	ResolutionTime  *time.Time     `json:"resolution_time,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ResolutionMinutes returns the time from creation to resolution.
func (i *Incident) ResolutionMinutes() (float64, bool) {
	if i.Status != StatusResolved || i.ResolutionTime == nil {
		return 0, false
	}
	return i.ResolutionTime.Sub(i.Timestamp).Minutes(), true
}

// Params are the creation parameters a producer supplies.
type Params struct {
	Category        Category       `json:"category"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	AffectedSystems []string       `json:"affected_systems,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged; Details and
// Metadata are merged key by key.
type Patch struct {
	Status          *Status        `json:"status,omitempty"`
	Severity        *Severity      `json:"severity,omitempty"`
	Title           *string        `json:"title,omitempty"`
	Description     *string        `json:"description,omitempty"`
	Assignee        *string        `json:"assignee,omitempty"`
	EscalatedTo     *string        `json:"escalated_to,omitempty"`
	Resolution      *string        `json:"resolution,omitempty"`
	ResolutionTime  *time.Time     `json:"resolution_time,omitempty"`
	AffectedSystems []string       `json:"affected_systems,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// apply merges p into a copy of inc and validates the result.
func (p Patch) apply(inc Incident) (Incident, error) {
	if p.Status != nil {
		if !CanTransition(inc.Status, *p.Status) {
			return inc, ErrInvalidTransition
		}
		inc.Status = *p.Status
	}
	if p.Severity != nil {
		if !p.Severity.IsValid() {
			return inc, ErrInvalidParams
		}
		inc.Severity = *p.Severity
	}
	if p.Title != nil {
		inc.Title = *p.Title
	}
	if p.Description != nil {
		inc.Description = *p.Description
	}
	if p.Assignee != nil {
		inc.Assignee = *p.Assignee
	}
	if p.EscalatedTo != nil {
		inc.EscalatedTo = *p.EscalatedTo
	}
	if p.Resolution != nil {
		inc.Resolution = *p.Resolution
	}
	if p.ResolutionTime != nil {
		rt := *p.ResolutionTime
		inc.ResolutionTime = &rt
	}
	if p.AffectedSystems != nil {
		inc.AffectedSystems = append([]string(nil), p.AffectedSystems...)
	}
	if p.Tags != nil {
		inc.Tags = append([]string(nil), p.Tags...)
	}
	inc.Details = mergeMap(inc.Details, p.Details)
	inc.Metadata = mergeMap(inc.Metadata, p.Metadata)

	if (inc.Status == StatusResolved) != (inc.ResolutionTime != nil) {
		return inc, ErrResolutionTime
	}
	return inc, nil
}

func mergeMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Filter selects incidents for listing.
type Filter struct {
	Category *Category
	Severity *Severity
	Status   *Status
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

func (f Filter) matches(inc *Incident) bool {
	if f.Category != nil && inc.Category != *f.Category {
		return false
	}
	if f.Severity != nil && inc.Severity != *f.Severity {
		return false
	}
	if f.Status != nil && inc.Status != *f.Status {
		return false
	}
	if f.Since != nil && inc.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && inc.Timestamp.After(*f.Until) {
		return false
	}
	return true
}
