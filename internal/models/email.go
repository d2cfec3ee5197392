package models

import "time"

type JobStatus string

const (
	StatusScheduled JobStatus = "SCHEDULED"
	StatusSent      JobStatus = "SENT"
	StatusFailed    JobStatus = "FAILED"
)

// EmailJob is one outbound message to one recipient. A job starts out
// SCHEDULED and moves exactly once to SENT or FAILED; rows are never
// deleted so the table doubles as an audit log.
type EmailJob struct {
	ID             string  `json:"id"`
	SenderEmail    string  `json:"sender_email"`
	SenderName     *string `json:"sender_name,omitempty"`
	RecipientEmail string  `json:"recipient_email"`
	Subject        string  `json:"subject"`
	Body           string  `json:"body"`

	// ScheduledAt is the earliest permitted dispatch time.
	ScheduledAt time.Time `json:"scheduled_at"`

	// Per-sender throttle parameters, frozen at creation.
	MinDelaySeconds int `json:"min_delay_seconds"`
	HourlyLimit     int `json:"hourly_limit"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	LastError *string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MinDelay returns the job's minimum spacing as a duration.
func (j *EmailJob) MinDelay() time.Duration {
	return time.Duration(j.MinDelaySeconds) * time.Second
}

// Terminal reports whether the job has reached SENT or FAILED.
func (j *EmailJob) Terminal() bool {
	return j.Status == StatusSent || j.Status == StatusFailed
}
