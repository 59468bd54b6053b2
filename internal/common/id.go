package common

import (
	"github.com/google/uuid"
)

// NewSessionID generates a unique session ID with the "ses_" prefix
func NewSessionID() string {
	return "ses_" + uuid.New().String()
}

// NewRunID generates a unique durable run ID with the "run_" prefix
func NewRunID() string {
	return "run_" + uuid.New().String()
}
