// Package syncengine owns the pending-operations queue. Mutations are
// recorded locally first and replayed through the pipeline, strictly one at
// a time in FIFO order, whenever the backend is reachable.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/envelope"
	"github.com/agentworkforce/ledgersync/internal/localstore"
	"github.com/agentworkforce/ledgersync/internal/logging"
	"github.com/agentworkforce/ledgersync/internal/metrics"
	"github.com/agentworkforce/ledgersync/internal/pipeline"
)

var (
	ErrUnknownKind       = errors.New("unknown operation kind")
	ErrInvalidPayload    = errors.New("invalid operation payload")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("operation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDrainInProgress   = errors.New("drain already in progress")
	// ErrSessionLost stops a drain when the backend rejected the session.
	ErrSessionLost = errors.New("session lost during drain")
)

type Options struct {
	Store localstore.Store
	API   pipeline.InvoiceAPI
	// Online is consulted before the drain and before every dispatch. Nil
	// means always online.
	Online  func() bool
	Retry   RetryPolicy
	Clock   func() time.Time
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type Engine struct {
	store   localstore.Store
	api     pipeline.InvoiceAPI
	online  func() bool
	retry   RetryPolicy
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
	schemas payloadSchemas

	drainMu sync.Mutex

	clockMu     sync.Mutex
	lastCreated time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.API == nil {
		return nil, fmt.Errorf("%w: api is required", ErrInvalidInput)
	}
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return nil, err
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	retry := opts.Retry
	if retry == nil {
		retry = ManualRetry{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := logging.OrNop(opts.Logger)
	return &Engine{
		store:   opts.Store,
		api:     opts.API,
		online:  online,
		retry:   retry,
		clock:   clock,
		logger:  logger.With().Str("component", "syncengine").Logger(),
		metrics: opts.Metrics,
		schemas: schemas,
	}, nil
}

type EnqueueOption func(*Operation)

// WithDependsOn holds the operation back until id is done.
func WithDependsOn(id string) EnqueueOption {
	return func(op *Operation) {
		op.DependsOn = strings.TrimSpace(id)
	}
}

// Enqueue records a mutation for later replay. It only writes locally.
func (e *Engine) Enqueue(ctx context.Context, kind Kind, payload json.RawMessage, opts ...EnqueueOption) (Operation, error) {
	if !kind.Known() {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return Operation{}, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	now := e.nextCreatedAt()
	op := Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&op)
	}
	if op.DependsOn != "" {
		if _, err := e.Get(ctx, op.DependsOn); err != nil {
			return Operation{}, fmt.Errorf("depends on %s: %w", op.DependsOn, err)
		}
	}
	if err := e.put(ctx, op); err != nil {
		return Operation{}, err
	}
	e.logger.Debug().Str("op", op.ID).Str("kind", string(kind)).Msg("operation queued")
	return op, nil
}

// ListPending returns pending operations, oldest first.
func (e *Engine) ListPending(ctx context.Context) ([]Operation, error) {
	return e.byStatus(ctx, StatusPending)
}

// List returns operations with status, or every operation when status is
// empty. Results are oldest first.
func (e *Engine) List(ctx context.Context, status Status) ([]Operation, error) {
	if status != "" {
		return e.byStatus(ctx, status)
	}
	var out []Operation
	for _, candidate := range Statuses() {
		ops, err := e.byStatus(ctx, candidate)
		if err != nil {
			return nil, err
		}
		out = append(out, ops...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Operation, error) {
	rec, err := e.store.Get(ctx, localstore.TablePendingOps, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Operation{}, err
	}
	return operationFromRecord(rec)
}

type DrainResult struct {
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	// Waiting counts rows held back by an unfinished dependency.
	Waiting int `json:"waiting"`
}

// Drain replays pending operations through the pipeline. Rows are dispatched
// one after another; a failure marks its row and the drain moves on. Session
// loss, cancellation and local-store failures stop the drain.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.drainMu.TryLock() {
		return DrainResult{}, ErrDrainInProgress
	}
	defer e.drainMu.Unlock()

	var result DrainResult
	if !e.online() {
		result.Offline = true
		return result, nil
	}
	started := time.Now()
	defer func() {
		e.metrics.ObserveDrain(time.Since(started))
		if pending, err := e.ListPending(context.WithoutCancel(ctx)); err == nil {
			e.metrics.SetPending(len(pending))
		}
	}()

	if _, err := e.RetryDue(ctx); err != nil {
		return result, err
	}
	ops, err := e.ListPending(ctx)
	if err != nil {
		return result, err
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !e.online() {
			result.Offline = true
			e.logger.Info().Msg("went offline; drain stopped")
			return result, nil
		}
		// Another process sharing the store may have claimed the row since
		// the listing.
		current, err := e.Get(ctx, op.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		if current.Status != StatusPending {
			e.logger.Debug().Str("op", op.ID).Str("status", string(current.Status)).Msg("operation claimed elsewhere; skipped")
			continue
		}
		op = current
		ready, err := e.dependencyReady(ctx, &op)
		if err != nil {
			return result, err
		}
		if !ready {
			result.Waiting++
			continue
		}
		result.Attempted++
		ok, err := e.process(ctx, op)
		if err != nil {
			return result, err
		}
		if ok {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	e.logger.Info().
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("waiting", result.Waiting).
		Msg("drain finished")
	return result, nil
}

// dependencyReady reports whether op may run. A dependency that no longer
// exists was pruned after it finished.
func (e *Engine) dependencyReady(ctx context.Context, op *Operation) (bool, error) {
	if op.DependsOn == "" {
		return true, nil
	}
	dep, err := e.Get(ctx, op.DependsOn)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if dep.Status == StatusDone {
		return true, nil
	}
	note := fmt.Sprintf("waiting for %s (%s)", dep.ID, dep.Status)
	if op.LastError != note {
		op.LastError = note
		op.UpdatedAt = e.now()
		if err := e.put(ctx, *op); err != nil {
			return false, err
		}
	}
	return false, nil
}

// process runs one operation. ok reports success; err is only returned for
// conditions that must stop the drain.
func (e *Engine) process(ctx context.Context, op Operation) (ok bool, err error) {
	logger := e.logger.With().Str("op", op.ID).Str("kind", string(op.Kind)).Logger()

	if err := e.schemas.validate(op.Kind, op.Payload); err != nil {
		return false, e.fail(ctx, logger, op, err, false)
	}

	previous := op
	op.Status = StatusSyncing
	op.Attempts++
	op.UpdatedAt = e.now()
	if err := e.put(ctx, op); err != nil {
		return false, err
	}

	_, dispatchErr := dispatch(ctx, e.api, op.Kind, op.Payload)
	switch {
	case dispatchErr == nil:
		op.Status = StatusDone
		op.LastError = ""
		op.NextAttemptAt = nil
		op.UpdatedAt = e.now()
		e.metrics.ObserveOperation(string(op.Kind), "done")
		logger.Info().Int("attempts", op.Attempts).Msg("operation synced")
		return true, e.put(ctx, op)

	case errors.Is(dispatchErr, envelope.ErrUnauthorized):
		e.metrics.ObserveOperation(string(op.Kind), "unauthorized")
		logger.Warn().Msg("session lost; drain stopped")
		if err := e.revert(ctx, previous, "Unauthorized"); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", ErrSessionLost, dispatchErr)

	case ctx.Err() != nil:
		logger.Info().Err(ctx.Err()).Msg("drain cancelled; operation left pending")
		if err := e.revert(ctx, previous, previous.LastError); err != nil {
			return false, err
		}
		return false, ctx.Err()

	default:
		return false, e.fail(ctx, logger, op, dispatchErr, true)
	}
}

// fail marks op as error. Only dispatch failures are eligible for a
// scheduled retry; a payload that does not validate never will.
func (e *Engine) fail(ctx context.Context, logger zerolog.Logger, op Operation, cause error, retryable bool) error {
	now := e.now()
	op.Status = StatusError
	op.LastError = errorMessage(cause)
	op.NextAttemptAt = nil
	op.UpdatedAt = now
	if retryable {
		if at, ok := e.retry.NextAttempt(op.Attempts, now); ok {
			at = at.UTC()
			op.NextAttemptAt = &at
		}
	}
	e.metrics.ObserveOperation(string(op.Kind), "error")
	event := logger.Warn().Err(cause).Int("attempts", op.Attempts)
	if op.NextAttemptAt != nil {
		event = event.Time("next_attempt_at", *op.NextAttemptAt)
	}
	event.Msg("operation failed")
	return e.put(ctx, op)
}

// revert puts an interrupted row back to pending as it was before dispatch.
// The write ignores cancellation so a cancelled drain does not strand the
// row in syncing.
func (e *Engine) revert(ctx context.Context, previous Operation, lastError string) error {
	previous.Status = StatusPending
	previous.LastError = lastError
	previous.UpdatedAt = e.now()
	return e.put(context.WithoutCancel(ctx), previous)
}

// Reset moves an error row back to pending so the next drain retries it.
func (e *Engine) Reset(ctx context.Context, id string) (Operation, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	if op.Status != StatusError {
		return Operation{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
	}
	op.Status = StatusPending
	op.NextAttemptAt = nil
	op.UpdatedAt = e.now()
	if err := e.put(ctx, op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// RetryDue resets error rows whose scheduled retry time has passed. Under
// ManualRetry nothing is ever scheduled, so it does nothing.
func (e *Engine) RetryDue(ctx context.Context) (int, error) {
	failed, err := e.byStatus(ctx, StatusError)
	if err != nil {
		return 0, err
	}
	now := e.now()
	count := 0
	for _, op := range failed {
		if op.NextAttemptAt == nil || op.NextAttemptAt.After(now) {
			continue
		}
		op.Status = StatusPending
		op.NextAttemptAt = nil
		op.UpdatedAt = now
		if err := e.put(ctx, op); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		e.logger.Info().Int("count", count).Msg("scheduled retries due")
	}
	return count, nil
}

// Prune deletes done rows last updated more than olderThan ago.
func (e *Engine) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative retention", ErrInvalidInput)
	}
	done, err := e.byStatus(ctx, StatusDone)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-olderThan)
	count := 0
	for _, op := range done {
		if !op.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, localstore.TablePendingOps, op.ID); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		e.logger.Info().Int("count", count).Dur("older_than", olderThan).Msg("pruned finished operations")
	}
	return count, nil
}

// ClearAll drops the queue and both cache tables. It waits for a running
// drain to finish first.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	if err := e.store.Clear(ctx, localstore.TablePendingOps); err != nil {
		return fmt.Errorf("clear %s: %w", localstore.TablePendingOps, err)
	}
	if err := localstore.NewCache(e.store).Reset(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	e.metrics.SetPending(0)
	e.logger.Info().Msg("local data cleared")
	return nil
}

type SubmitResult struct {
	// Data is the backend's answer when the mutation ran immediately.
	Data json.RawMessage `json:"data,omitempty"`
	// Operation is set when the mutation was queued instead.
	Operation *Operation `json:"operation,omitempty"`
}

func (r SubmitResult) Queued() bool {
	return r.Operation != nil
}

// Submit runs a mutation now when online and queues it otherwise. A
// transport failure while online also queues it; backend rejections and
// session loss go back to the caller.
func (e *Engine) Submit(ctx context.Context, kind Kind, payload json.RawMessage) (SubmitResult, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := e.schemas.validate(kind, payload); err != nil {
		return SubmitResult{}, err
	}
	if e.online() {
		data, err := dispatch(ctx, e.api, kind, payload)
		if err == nil {
			e.metrics.ObserveOperation(string(kind), "done")
			return SubmitResult{Data: data}, nil
		}
		if ctx.Err() != nil || !isTransportError(err) {
			return SubmitResult{}, err
		}
		e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("backend unreachable; queueing")
	}
	op, err := e.Enqueue(ctx, kind, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Operation: &op}, nil
}

func (e *Engine) byStatus(ctx context.Context, status Status) ([]Operation, error) {
	records, err := e.store.QueryByIndex(ctx, localstore.TablePendingOps, localstore.IndexStatus, string(status))
	if err != nil {
		return nil, err
	}
	out := make([]Operation, 0, len(records))
	for _, rec := range records {
		op, err := operationFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (e *Engine) put(ctx context.Context, op Operation) error {
	rec, err := op.record()
	if err != nil {
		return err
	}
	return e.store.Put(ctx, localstore.TablePendingOps, rec)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// nextCreatedAt is strictly increasing so FIFO order never depends on the
// key tie-break.
func (e *Engine) nextCreatedAt() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	now := e.now()
	if !now.After(e.lastCreated) {
		now = e.lastCreated.Add(time.Nanosecond)
	}
	e.lastCreated = now
	return now
}

func isTransportError(err error) bool {
	var apiErr *envelope.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var respErr envelope.ResponseError
	if errors.As(err, &respErr) {
		return false
	}
	return !errors.Is(err, ErrInvalidPayload) && !errors.Is(err, pipeline.ErrInvalidInput)
}

func errorMessage(err error) string {
	if apiErr := envelope.ToAPIError(err); apiErr != nil {
		return apiErr.Error()
	}
	return err.Error()
}
