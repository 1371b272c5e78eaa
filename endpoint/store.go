package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/llmlb/llmlb/internal/database"
	"github.com/llmlb/llmlb/internal/errs"
)

// CounterKind names one of Endpoint's monotonic request counters.
type CounterKind string

const (
	CounterTotal      CounterKind = "total_requests"
	CounterSuccessful CounterKind = "successful_requests"
	CounterFailed     CounterKind = "failed_requests"
)

// Patch carries the mutable subset of Endpoint an update may change.
// Nil fields are left untouched.
type Patch struct {
	Name                 *string
	BaseURL              *string
	APIKey               *string
	HealthCheckIntervalS *int
	InferenceTimeoutS    *int
}

// Store is the durable CRUD layer for endpoints, their model catalog,
// and daily stats. It is the only component permitted to write the
// canonical on-disk representation; EndpointRegistry mirrors it into
// memory but never writes through it in the other direction.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// New wraps an already-migrated *gorm.DB pool.
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger.With(zap.String("component", "endpoint_store"))}
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// Insert validates and persists a new endpoint, assigning it a UUID.
func (s *Store) Insert(ctx context.Context, e *Endpoint) error {
	if err := validateBaseURL(e.BaseURL); err != nil {
		return err
	}
	if e.Name == "" {
		return errs.New(errs.InvalidInput, "endpoint name must not be empty")
	}
	if err := validateHealthInterval(e.HealthCheckIntervalS); err != nil {
		return err
	}
	if err := validateInferenceTimeout(e.InferenceTimeoutS); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	e.RegisteredAt = time.Now()
	e.LastSeenAt = e.RegisteredAt

	err := s.db(ctx).Create(e).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errs.New(errs.Conflict, fmt.Sprintf("endpoint %q already exists", e.Name)).WithCause(err)
	}
	return errs.New(errs.StorageUnavailable, "insert endpoint failed").WithCause(err)
}

// Update applies patch to the endpoint identified by id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.BaseURL != nil {
		if err := validateBaseURL(*patch.BaseURL); err != nil {
			return err
		}
		updates["base_url"] = *patch.BaseURL
	}
	if patch.APIKey != nil {
		updates["api_key"] = *patch.APIKey
	}
	if patch.HealthCheckIntervalS != nil {
		if err := validateHealthInterval(*patch.HealthCheckIntervalS); err != nil {
			return err
		}
		updates["health_check_interval_s"] = *patch.HealthCheckIntervalS
	}
	if patch.InferenceTimeoutS != nil {
		if err := validateInferenceTimeout(*patch.InferenceTimeoutS); err != nil {
			return err
		}
		updates["inference_timeout_s"] = *patch.InferenceTimeoutS
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db(ctx).Model(&Endpoint{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return errs.New(errs.Conflict, "endpoint name already in use").WithCause(res.Error)
		}
		return errs.New(errs.StorageUnavailable, "update endpoint failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("endpoint %q not found", id))
	}
	return nil
}

// Delete removes an endpoint and its model rows. Its daily stats are
// left in place (no cascade), matching the persistence layout's contract.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db(ctx).Where("id = ?", id).Delete(&Endpoint{})
	if res.Error != nil {
		return errs.New(errs.StorageUnavailable, "delete endpoint failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("endpoint %q not found", id))
	}
	_ = s.db(ctx).Where("endpoint_id = ?", id).Delete(&Model{}).Error
	return nil
}

// Get returns one endpoint by ID.
func (s *Store) Get(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	err := s.db(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("endpoint %q not found", id))
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "get endpoint failed").WithCause(err)
	}
	return &e, nil
}

// List returns every registered endpoint.
func (s *Store) List(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	if err := s.db(ctx).Order("registered_at asc").Find(&out).Error; err != nil {
		return nil, errs.New(errs.StorageUnavailable, "list endpoints failed").WithCause(err)
	}
	return out, nil
}

// ListModels returns the catalog for one endpoint.
func (s *Store) ListModels(ctx context.Context, endpointID string) ([]Model, error) {
	var out []Model
	if err := s.db(ctx).Where("endpoint_id = ?", endpointID).Find(&out).Error; err != nil {
		return nil, errs.New(errs.StorageUnavailable, "list models failed").WithCause(err)
	}
	return out, nil
}

// UpsertModel creates or replaces one (endpoint_id, model_id) row.
func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint_id"}, {Name: "model_id"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return errs.New(errs.StorageUnavailable, "upsert model failed").WithCause(err)
	}
	return nil
}

// DeleteMissingModels removes every model row for endpointID whose
// ModelID is not in keep, implementing the synchronizer's "replace the
// model set" contract.
func (s *Store) DeleteMissingModels(ctx context.Context, endpointID string, keep []string) error {
	q := s.db(ctx).Where("endpoint_id = ?", endpointID)
	if len(keep) > 0 {
		q = q.Where("model_id NOT IN ?", keep)
	}
	if err := q.Delete(&Model{}).Error; err != nil {
		return errs.New(errs.StorageUnavailable, "prune models failed").WithCause(err)
	}
	return nil
}

// UpdateClassification persists the outcome of the type prober's
// classification run against a newly registered (or re-tested)
// endpoint: its backend Type and whether it exposes the Responses API.
func (s *Store) UpdateClassification(ctx context.Context, id string, typ Type, supportsResponsesAPI bool) error {
	res := s.db(ctx).Model(&Endpoint{}).Where("id = ?", id).Updates(map[string]any{
		"type":                   typ,
		"supports_responses_api": supportsResponsesAPI,
	})
	if res.Error != nil {
		return errs.New(errs.StorageUnavailable, "update endpoint classification failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("endpoint %q not found", id))
	}
	return nil
}

// ResetCounters zeroes an endpoint's monotonic request counters and
// error count, satisfying the data model's documented "reset only at
// operator-initiated reset" escape hatch.
func (s *Store) ResetCounters(ctx context.Context, id string) error {
	res := s.db(ctx).Model(&Endpoint{}).Where("id = ?", id).Updates(map[string]any{
		"total_requests":      0,
		"successful_requests": 0,
		"failed_requests":     0,
		"error_count":         0,
		"last_error":          "",
	})
	if res.Error != nil {
		return errs.New(errs.StorageUnavailable, "reset endpoint counters failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("endpoint %q not found", id))
	}
	return nil
}

// BumpCounter atomically increments one of an endpoint's monotonic
// counters by one, via a SQL expression rather than a read-modify-write,
// so concurrent bumps never lose an increment.
func (s *Store) BumpCounter(ctx context.Context, endpointID string, kind CounterKind) error {
	res := s.db(ctx).Model(&Endpoint{}).Where("id = ?", endpointID).
		UpdateColumn(string(kind), gorm.Expr(string(kind)+" + 1"))
	if res.Error != nil {
		return errs.New(errs.StorageUnavailable, "bump counter failed").WithCause(res.Error)
	}
	return nil
}

// UpsertDaily adds delta onto the (endpoint, model, date) row, creating
// it if absent.
func (s *Store) UpsertDaily(ctx context.Context, endpointID, modelID, date string, delta DailyStat) error {
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.Where("endpoint_id = ? AND model_id = ? AND date = ?", endpointID, modelID, date).
			First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = DailyStat{
				EndpointID:         endpointID,
				ModelID:            modelID,
				Date:               date,
				TotalRequests:      delta.TotalRequests,
				SuccessfulRequests: delta.SuccessfulRequests,
				FailedRequests:     delta.FailedRequests,
				TotalOutputTokens:  delta.TotalOutputTokens,
				TotalOutputTimeMS:  delta.TotalOutputTimeMS,
				UpdatedAt:          time.Now(),
			}
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			return tx.Model(&row).Updates(map[string]any{
				"total_requests":      gorm.Expr("total_requests + ?", delta.TotalRequests),
				"successful_requests": gorm.Expr("successful_requests + ?", delta.SuccessfulRequests),
				"failed_requests":     gorm.Expr("failed_requests + ?", delta.FailedRequests),
				"total_output_tokens": gorm.Expr("total_output_tokens + ?", delta.TotalOutputTokens),
				"total_output_time_ms": gorm.Expr("total_output_time_ms + ?", delta.TotalOutputTimeMS),
				"updated_at":          time.Now(),
			}).Error
		}
	})
}

// validateHealthInterval bounds the per-endpoint probe cadence. Zero
// means "use the default" and is filled in at the API layer.
func validateHealthInterval(secs int) error {
	if secs != 0 && (secs < 5 || secs > 3600) {
		return errs.New(errs.InvalidInput, "health_check_interval_secs must be between 5 and 3600")
	}
	return nil
}

// validateInferenceTimeout bounds the per-endpoint forward deadline.
func validateInferenceTimeout(secs int) error {
	if secs != 0 && (secs < 10 || secs > 600) {
		return errs.New(errs.InvalidInput, "inference_timeout_secs must be between 10 and 600")
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errs.New(errs.InvalidInput, fmt.Sprintf("base_url %q is not a fully-qualified http(s) origin", raw))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"UNIQUE constraint", "duplicate key", "Duplicate entry", "unique constraint"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
