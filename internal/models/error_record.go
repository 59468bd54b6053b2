package models

import (
	"time"
)

// ErrorType is the closed failure taxonomy
type ErrorType string

const (
	ErrorTypeAuthentication ErrorType = "AUTHENTICATION_ERROR"
	ErrorTypeNavigation     ErrorType = "NAVIGATION_ERROR"
	ErrorTypeAPI            ErrorType = "API_ERROR"
	ErrorTypeGroupCreation  ErrorType = "GROUP_CREATION_ERROR"
	ErrorTypeScript         ErrorType = "SCRIPT_ERROR"
	ErrorTypeProfile        ErrorType = "PROFILE_ERROR"
	ErrorTypeUnknown        ErrorType = "UNKNOWN_ERROR"
)

// recommendedActions is keyed by type; callers display the text verbatim
var recommendedActions = map[ErrorType]string{
	ErrorTypeAuthentication: "Log in to the account in this browser profile manually, then start the session again.",
	ErrorTypeNavigation:     "Check the profile's proxy and network connectivity, and that the target site is reachable.",
	ErrorTypeAPI:            "The target rejected a direct request. Wait before retrying; if it persists the request format may have changed.",
	ErrorTypeGroupCreation:  "Group creation failed by both request and UI. Check the account is allowed to create groups and try fewer at a time.",
	ErrorTypeScript:         "An unexpected page state interrupted the automation. Review the screenshot and retry the session.",
	ErrorTypeProfile:        "Could not open the browser profile. Make sure the profile exists, is not open elsewhere, and the provisioning service is running.",
	ErrorTypeUnknown:        "An unclassified error occurred. Review the logs and screenshot, then retry.",
}

// RecommendedAction returns the remediation text for t
func RecommendedAction(t ErrorType) string {
	if action, ok := recommendedActions[t]; ok {
		return action
	}
	return recommendedActions[ErrorTypeUnknown]
}

// IsValid reports whether t is part of the taxonomy
func (t ErrorType) IsValid() bool {
	_, ok := recommendedActions[t]
	return ok
}

// ErrorRecord is a classified failure surfaced to callers
type ErrorRecord struct {
	Type              ErrorType `json:"type"`
	Stage             string    `json:"stage,omitempty"`
	Message           string    `json:"message"`
	Timestamp         time.Time `json:"timestamp"`
	Screenshot        string    `json:"screenshot,omitempty"`
	RecommendedAction string    `json:"recommended_action"`
}

// NewErrorRecord builds a record with the recommended action attached
func NewErrorRecord(t ErrorType, stage, message string) *ErrorRecord {
	if !t.IsValid() {
		t = ErrorTypeUnknown
	}
	return &ErrorRecord{
		Type:              t,
		Stage:             stage,
		Message:           message,
		Timestamp:         time.Now(),
		RecommendedAction: RecommendedAction(t),
	}
}

// Error implements error so a record can travel through error returns
func (e *ErrorRecord) Error() string {
	return string(e.Type) + ": " + e.Message
}

// Clone returns a copy
func (e *ErrorRecord) Clone() *ErrorRecord {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
