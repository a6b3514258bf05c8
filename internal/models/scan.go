package models

import (
	"time"

	"github.com/google/uuid"
)

// Scan represents one execution of the stage pipeline against a target
type Scan struct {
	ID           string         `json:"id"`
	TargetID     string         `json:"target_id"`
	Profile      Profile        `json:"profile"`
	Status       ScanStatus     `json:"status"`
	Progress     map[string]int `json:"progress,omitempty"`
	CurrentStage string         `json:"current_stage,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Resumed      bool           `json:"resumed"`
	StopOnError  bool           `json:"stop_on_error"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewScan creates a pending scan for a target
func NewScan(targetID string, profile Profile) *Scan {
	return &Scan{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		Profile:   profile,
		Status:    StatusPending,
		Progress:  make(map[string]int),
		CreatedAt: time.Now(),
	}
}

// Duration returns the wall time between start and completion, zero while
// either end is unset.
func (s *Scan) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
