package models

import (
	"mailrelay/internal/state"
	"time"
)

// EmailJob is the persisted record of one delivery and its lifecycle status.
// The consumer loop is the only writer after creation; single-writer safety
// comes from prefetch-1 consumption, not from locking in the store.
type EmailJob struct {
	ID           string
	RequestID    *string
	Recipient    string
	Subject      *string
	Body         *string
	Status       state.JobStatus
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SentAt       *time.Time
}

func (j *EmailJob) SubjectOrEmpty() string {
	if j.Subject == nil {
		return ""
	}
	return *j.Subject
}

func (j *EmailJob) BodyOrEmpty() string {
	if j.Body == nil {
		return ""
	}
	return *j.Body
}
