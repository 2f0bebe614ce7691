package store

import (
	"context"
	"time"

	"mailrelay/internal/models"
	"mailrelay/internal/state"
)

// EmailJobStore is the persistence contract for delivery jobs. All core
// operations are point lookups and writes on the primary key; FindStale is
// used only by the reconciler. Find methods return (nil, nil) when no row
// matches.
type EmailJobStore interface {
	Create(ctx context.Context, job *models.EmailJob) error
	FindByID(ctx context.Context, id string) (*models.EmailJob, error)
	FindByRequestID(ctx context.Context, requestID string) (*models.EmailJob, error)
	Update(ctx context.Context, job *models.EmailJob) error
	FindStale(ctx context.Context, status state.JobStatus, olderThan time.Time, limit int) ([]models.EmailJob, error)
	Close() error
}
