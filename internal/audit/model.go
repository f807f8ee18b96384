// Package audit provides a tamper-evident audit trail for compliance-relevant
// actions. Entries are appended to a hash chain, mirrored to sinks, and can be
// verified and exported.
package audit

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// Action is the kind of governed action an entry records.
// Values outside the predefined set are accepted.
type Action string

// Predefined actions.
const (
	ActionCreate           Action = "create"
	ActionRead             Action = "read"
	ActionUpdate           Action = "update"
	ActionDelete           Action = "delete"
	ActionAccess           Action = "access"
	ActionExport           Action = "export"
	ActionConsentGranted   Action = "consent_granted"
	ActionConsentRevoked   Action = "consent_revoked"
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionFailedLogin      Action = "failed_login"
	ActionPermissionDenied Action = "permission_denied"
	ActionDataBreach       Action = "data_breach"
	ActionEncryption       Action = "encryption"
	ActionDecryption       Action = "decryption"
)

// Severity grades an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome is the result of the recorded action.
type Outcome string

const (
	// OutcomeSuccess indicates the action completed.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure indicates the action was attempted and failed.
	OutcomeFailure Outcome = "failure"
	// OutcomeBlocked indicates the action was refused by policy.
	OutcomeBlocked Outcome = "blocked"
)

// Details is an open, JSON-valued map of extra context.
type Details map[string]any

var (
	// ErrMissingAction is returned when an entry has no action.
	ErrMissingAction = errors.New("audit action cannot be empty")
	// ErrMissingResourceType is returned when an entry has no resource type.
	ErrMissingResourceType = errors.New("audit resource type cannot be empty")
)

// Entry is one immutable record in the chain.
//
// Only ID, Timestamp, Action, ResourceType, ResourceID, UserID, Outcome and
// PreviousHash feed EntryHash. Changes to any other field are not detected by
// verification.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Action       Action `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Regulation  string   `json:"regulation,omitempty"`
	Requirement string   `json:"requirement,omitempty"`
	DataTypes   []string `json:"data_types,omitempty"`

	Severity Severity `json:"severity"`
	Outcome  Outcome  `json:"outcome"`
	Details  Details  `json:"details,omitempty"`

	ServiceName  string `json:"service_name,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	ModuleName   string `json:"module_name,omitempty"`
	RequestID    string `json:"request_id,omitempty"`

	// PreviousHash is empty for the first entry of a chain.
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// Clone returns a copy of e that shares no slices or maps with it.
// Nested values inside Details are shared.
func (e *Entry) Clone() *Entry {
	c := *e
	c.DataTypes = slices.Clone(e.DataTypes)
	if e.Details != nil {
		c.Details = maps.Clone(e.Details)
	}
	return &c
}

// LogEntry is the input for recording an entry.
// Action and ResourceType are required; Severity defaults to info and Outcome
// to success.
type LogEntry struct {
	Action       Action `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Regulation  string   `json:"regulation,omitempty"`
	Requirement string   `json:"requirement,omitempty"`
	DataTypes   []string `json:"data_types,omitempty"`

	Severity Severity `json:"severity,omitempty"`
	Outcome  Outcome  `json:"outcome,omitempty"`
	Details  Details  `json:"details,omitempty"`

	FunctionName string `json:"function_name,omitempty"`
	ModuleName   string `json:"module_name,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// Validate checks the required fields.
func (l LogEntry) Validate() error {
	if l.Action == "" {
		return ErrMissingAction
	}
	if l.ResourceType == "" {
		return ErrMissingResourceType
	}
	return nil
}
