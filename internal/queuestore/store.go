// Package queuestore implements the Job Queue Store (C6 in SPEC_FULL.md
// §4.7): a durable queue abstraction with indices on status and
// correlation key. See SPEC_FULL.md §4.7/§11 for why this is built on an
// embedded document-collection store rather than a server-side document
// database with native change streams.
package queuestore

import (
	"context"
	"time"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/joberrors"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
)

// ListFilter narrows Query results.
type ListFilter struct {
	Status *models.Status
	Limit  int
	Offset int
}

// Store is the durable job queue abstraction C7/C8/C9 depend on.
type Store interface {
	Enqueue(ctx context.Context, correlationKey string, formData map[string]interface{}) (*models.Job, error)
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, kind joberrors.Kind, rec models.ErrorRecord) error
	RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error)
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	GetByCorrelationKey(ctx context.Context, correlationKey string) (*models.Job, error)
	Query(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	Close() error
}
