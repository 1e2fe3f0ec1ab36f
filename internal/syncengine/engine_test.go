package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/ledgersync/internal/envelope"
	"github.com/agentworkforce/ledgersync/internal/localstore"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls []string
	delay map[string]time.Duration
	fail  map[string]error
	// block, when set, receives the call label and returns once released.
	block func(ctx context.Context, label string) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{delay: map[string]time.Duration{}, fail: map[string]error{}}
}

func (f *fakeAPI) record(ctx context.Context, label string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, label)
	delay := f.delay[label]
	err := f.fail[label]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		if blockErr := block(ctx, label); blockErr != nil {
			return nil, blockErr
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeAPI) CreateInvoice(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var body struct {
		Ref string `json:"ref"`
	}
	_ = json.Unmarshal(payload, &body)
	return f.record(ctx, "create:"+body.Ref)
}

func (f *fakeAPI) UpdateInvoice(ctx context.Context, id string, _ json.RawMessage) (json.RawMessage, error) {
	return f.record(ctx, "update:"+id)
}

func (f *fakeAPI) PostInvoice(ctx context.Context, id string) (json.RawMessage, error) {
	return f.record(ctx, "post:"+id)
}

func (f *fakeAPI) RegisterPayment(ctx context.Context, id string, _ json.RawMessage) (json.RawMessage, error) {
	return f.record(ctx, "payment:"+id)
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	api    *fakeAPI
	store  localstore.Store
	clock  *testClock
	online *atomic.Bool
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		api:    newFakeAPI(),
		store:  localstore.NewMemoryStore(),
		clock:  &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		online: &atomic.Bool{},
	}
	h.online.Store(true)
	options := Options{
		Store:  h.store,
		API:    h.api,
		Online: h.online.Load,
		Clock:  h.clock.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	engine, err := New(options)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) enqueueCreate(t *testing.T, ref string, opts ...EnqueueOption) Operation {
	t.Helper()
	op, err := h.engine.Enqueue(context.Background(), KindCreateInvoice, json.RawMessage(fmt.Sprintf(`{"ref":%q}`, ref)), opts...)
	require.NoError(t, err)
	return op
}

func (h *harness) status(t *testing.T, id string) Operation {
	t.Helper()
	op, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return op
}

func TestEnqueueAssignsIDAndPendingStatus(t *testing.T) {
	h := newHarness(t)
	op := h.enqueueCreate(t, "A")

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, KindCreateInvoice, op.Kind)
	assert.False(t, op.CreatedAt.IsZero())
	assert.Empty(t, h.api.Calls(), "enqueue must not touch the network")

	other := h.enqueueCreate(t, "B")
	assert.NotEqual(t, op.ID, other.ID)
	assert.True(t, other.CreatedAt.After(op.CreatedAt), "creation times must be strictly increasing")
}

func TestEnqueueRejectsUnknownKindAndBadJSON(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Enqueue(context.Background(), Kind("cancel_invoice"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = h.engine.Enqueue(context.Background(), KindCreateInvoice, json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.engine.Enqueue(context.Background(), KindPostInvoice, json.RawMessage(`{"id":1}`), WithDependsOn("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingIsFIFO(t *testing.T) {
	h := newHarness(t)
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	c := h.enqueueCreate(t, "C")

	pending, err := h.engine.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestDrainDispatchesInFIFOOrderDespiteLatency(t *testing.T) {
	h := newHarness(t)
	h.api.delay["create:A"] = 50 * time.Millisecond
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	c := h.enqueueCreate(t, "C")

	result, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create:A", "create:B", "create:C"}, h.api.Calls())
	assert.Equal(t, 3, result.Succeeded)
	for _, op := range []Operation{a, b, c} {
		got := h.status(t, op.ID)
		assert.Equal(t, StatusDone, got.Status)
		assert.Empty(t, got.LastError)
		assert.Equal(t, 1, got.Attempts)
	}
}

func TestDrainIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.api.fail["create:B"] = &envelope.APIError{Message: "Partner is archived", Code: "E_PARTNER"}
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	c := h.enqueueCreate(t, "C")

	result, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, StatusDone, h.status(t, a.ID).Status)
	assert.Equal(t, StatusDone, h.status(t, c.ID).Status)
	failed := h.status(t, b.ID)
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, "Partner is archived (E_PARTNER)", failed.LastError)
	assert.Nil(t, failed.NextAttemptAt, "manual retry never schedules")

	// A second drain leaves the error row alone.
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create:A", "create:B", "create:C"}, h.api.Calls())

	// After an explicit reset it is retried and can succeed.
	delete(h.api.fail, "create:B")
	reset, err := h.engine.Reset(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create:A", "create:B", "create:C", "create:B"}, h.api.Calls())
	done := h.status(t, b.ID)
	assert.Equal(t, StatusDone, done.Status)
	assert.Empty(t, done.LastError)
	assert.Equal(t, 2, done.Attempts)
}

func TestDrainOfflineIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.online.Store(false)
	a := h.enqueueCreate(t, "A")

	result, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.Empty(t, h.api.Calls())
	got := h.status(t, a.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, a.UpdatedAt.Equal(got.UpdatedAt))
}

func TestDrainStopsOnSessionLoss(t *testing.T) {
	h := newHarness(t)
	h.api.fail["create:B"] = envelope.NewUnauthorized(200)
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	c := h.enqueueCreate(t, "C")

	_, err := h.engine.Drain(context.Background())
	require.ErrorIs(t, err, ErrSessionLost)
	assert.Equal(t, []string{"create:A", "create:B"}, h.api.Calls())
	assert.Equal(t, StatusDone, h.status(t, a.ID).Status)
	lost := h.status(t, b.ID)
	assert.Equal(t, StatusPending, lost.Status)
	assert.Equal(t, "Unauthorized", lost.LastError)
	assert.Equal(t, 0, lost.Attempts)
	assert.Equal(t, StatusPending, h.status(t, c.ID).Status)
}

func TestDrainCancellationLeavesRowPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.api.block = func(blockCtx context.Context, label string) error {
		if label != "create:A" {
			return nil
		}
		cancel()
		<-blockCtx.Done()
		return blockCtx.Err()
	}
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")

	_, err := h.engine.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"create:A"}, h.api.Calls())
	assert.Equal(t, StatusPending, h.status(t, a.ID).Status)
	assert.Equal(t, StatusPending, h.status(t, b.ID).Status)
}

func TestConcurrentDrainIsRejected(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.block = func(context.Context, string) error {
		close(entered)
		<-release
		return nil
	}
	h.enqueueCreate(t, "A")

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Drain(context.Background())
		done <- err
	}()
	<-entered
	_, err := h.engine.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestDrainHoldsDependentsUntilDependencyIsDone(t *testing.T) {
	h := newHarness(t)
	h.api.fail["create:A"] = errors.New("validation failed")
	a := h.enqueueCreate(t, "A")
	post, err := h.engine.Enqueue(context.Background(), KindPostInvoice, json.RawMessage(`{"id":"A"}`), WithDependsOn(a.ID))
	require.NoError(t, err)

	result, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Waiting)
	assert.Equal(t, []string{"create:A"}, h.api.Calls())
	waiting := h.status(t, post.ID)
	assert.Equal(t, StatusPending, waiting.Status)
	assert.Contains(t, waiting.LastError, "waiting for "+a.ID)

	delete(h.api.fail, "create:A")
	_, err = h.engine.Reset(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create:A", "create:A", "post:A"}, h.api.Calls())
	assert.Equal(t, StatusDone, h.status(t, post.ID).Status)
}

func TestDrainLeavesInvoiceFieldsToTheServer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	empty, err := h.engine.Enqueue(ctx, KindCreateInvoice, json.RawMessage(`{}`))
	require.NoError(t, err)
	textAmount, err := h.engine.Enqueue(ctx, KindRegisterPayment, json.RawMessage(`{"id":7,"data":{"amount":"100.00"}}`))
	require.NoError(t, err)
	negative, err := h.engine.Enqueue(ctx, KindRegisterPayment, json.RawMessage(`{"id":"42","data":{"amount":-5}}`))
	require.NoError(t, err)
	noData, err := h.engine.Enqueue(ctx, KindUpdateInvoice, json.RawMessage(`{"id":9,"data":{}}`))
	require.NoError(t, err)

	result, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, []string{"create:", "payment:7", "payment:42", "update:9"}, h.api.Calls())
	for _, op := range []Operation{empty, textAmount, negative, noData} {
		assert.Equal(t, StatusDone, h.status(t, op.ID).Status, string(op.Kind))
	}
}

func TestDrainRejectsPayloadsWithoutATarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payloads := []struct {
		kind    Kind
		payload string
	}{
		{KindPostInvoice, `{}`},
		{KindPostInvoice, `{"id":""}`},
		{KindPostInvoice, `{"id":{"nested":1}}`},
		{KindRegisterPayment, `{"id":7}`},
		{KindUpdateInvoice, `{"data":{"ref":"N1"}}`},
		{KindCreateInvoice, `[1,2]`},
	}
	var rejected []Operation
	for _, p := range payloads {
		op, err := h.engine.Enqueue(ctx, p.kind, json.RawMessage(p.payload))
		require.NoError(t, err)
		rejected = append(rejected, op)
	}
	good, err := h.engine.Enqueue(ctx, KindRegisterPayment, json.RawMessage(`{"id":42,"data":{"amount":10.5}}`))
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"payment:42"}, h.api.Calls())
	for _, op := range rejected {
		got := h.status(t, op.ID)
		assert.Equal(t, StatusError, got.Status, string(op.Payload))
		assert.Contains(t, got.LastError, ErrInvalidPayload.Error(), string(op.Payload))
	}
	assert.Equal(t, StatusDone, h.status(t, good.ID).Status)
}

func TestDrainSkipsRowsClaimedBySharedStore(t *testing.T) {
	h := newHarness(t)
	other, err := New(Options{
		Store:  h.store,
		API:    h.api,
		Online: h.online.Load,
		Clock:  h.clock.Now,
	})
	require.NoError(t, err)

	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")

	var otherResult DrainResult
	var otherErr error
	h.api.mu.Lock()
	h.api.block = func(ctx context.Context, label string) error {
		if label == "create:A" {
			otherResult, otherErr = other.Drain(ctx)
		}
		return nil
	}
	h.api.mu.Unlock()

	result, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	require.NoError(t, otherErr)
	assert.Equal(t, 1, otherResult.Succeeded)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"create:A", "create:B"}, h.api.Calls())
	assert.Equal(t, 1, h.status(t, a.ID).Attempts)
	assert.Equal(t, 1, h.status(t, b.ID).Attempts)
	assert.Equal(t, StatusDone, h.status(t, b.ID).Status)
}

func TestDispatchTableRoutesEveryKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Enqueue(ctx, KindCreateInvoice, json.RawMessage(`{"ref":"N1"}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, KindUpdateInvoice, json.RawMessage(`{"id":"7","data":{"ref":"PO-9"}}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, KindPostInvoice, json.RawMessage(`{"id":7}`))
	require.NoError(t, err)
	_, err = h.engine.Enqueue(ctx, KindRegisterPayment, json.RawMessage(`{"id":"7","data":{"amount":100}}`))
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:N1", "update:7", "post:7", "payment:7"}, h.api.Calls())
}

func TestBackoffSchedulesRetryAndRetryDuePromotesIt(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Retry = &ExponentialBackoff{Base: time.Minute, Max: time.Hour, MaxAttempts: 3}
	})
	h.api.fail["create:A"] = errors.New("dial tcp: connection refused")
	a := h.enqueueCreate(t, "A")

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	failed := h.status(t, a.ID)
	require.Equal(t, StatusError, failed.Status)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, h.clock.Now().Add(time.Minute).Equal(*failed.NextAttemptAt))

	// Not yet due.
	count, err := h.engine.RetryDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	h.clock.Advance(time.Minute)
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create:A", "create:A"}, h.api.Calls())
	second := h.status(t, a.ID)
	assert.Equal(t, 2, second.Attempts)
	require.NotNil(t, second.NextAttemptAt)
	assert.True(t, h.clock.Now().Add(2*time.Minute).Equal(*second.NextAttemptAt))

	h.clock.Advance(2 * time.Minute)
	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	third := h.status(t, a.ID)
	assert.Equal(t, 3, third.Attempts)
	assert.Nil(t, third.NextAttemptAt, "max attempts reached")
}

func TestResetRejectsNonErrorRows(t *testing.T) {
	h := newHarness(t)
	a := h.enqueueCreate(t, "A")
	_, err := h.engine.Reset(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.engine.Reset(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneRemovesOldDoneRows(t *testing.T) {
	h := newHarness(t)
	h.api.fail["create:B"] = errors.New("boom")
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	c := h.enqueueCreate(t, "C")

	h.clock.Advance(48 * time.Hour)
	count, err := h.engine.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = h.engine.Get(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusError, h.status(t, b.ID).Status)
	assert.Equal(t, StatusPending, h.status(t, c.ID).Status)

	_, err = h.engine.Prune(context.Background(), -time.Second)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClearAllDropsQueueAndCache(t *testing.T) {
	h := newHarness(t)
	h.enqueueCreate(t, "A")
	cache := localstore.NewCache(h.store)
	require.NoError(t, cache.PutMaster(context.Background(), "partner", "1", json.RawMessage(`{}`)))
	require.NoError(t, cache.PutDraft(context.Background(), "invoice", "d1", json.RawMessage(`{}`)))

	require.NoError(t, h.engine.ClearAll(context.Background()))

	all, err := h.engine.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
	masters, err := cache.Masters(context.Background(), "partner")
	require.NoError(t, err)
	assert.Empty(t, masters)
	drafts, err := cache.Drafts(context.Background(), "invoice")
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestListAcrossStatuses(t *testing.T) {
	h := newHarness(t)
	h.api.fail["create:B"] = errors.New("boom")
	a := h.enqueueCreate(t, "A")
	b := h.enqueueCreate(t, "B")
	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	c := h.enqueueCreate(t, "C")

	all, err := h.engine.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	failed, err := h.engine.List(context.Background(), StatusError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestSubmitRunsOnlineAndQueuesOtherwise(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.engine.Submit(ctx, KindPostInvoice, json.RawMessage(`{"id":"9"}`))
	require.NoError(t, err)
	assert.False(t, result.Queued())
	assert.JSONEq(t, `{"ok":true}`, string(result.Data))

	h.online.Store(false)
	result, err = h.engine.Submit(ctx, KindPostInvoice, json.RawMessage(`{"id":"10"}`))
	require.NoError(t, err)
	require.True(t, result.Queued())
	assert.Equal(t, StatusPending, result.Operation.Status)
	assert.Equal(t, []string{"post:9"}, h.api.Calls())

	h.online.Store(true)
	h.api.fail["post:11"] = fmt.Errorf("POST /api/v1/invoices/11/post: %w", timeoutError{})
	result, err = h.engine.Submit(ctx, KindPostInvoice, json.RawMessage(`{"id":"11"}`))
	require.NoError(t, err)
	assert.True(t, result.Queued(), "transport failures fall back to the queue")

	h.api.fail["post:12"] = &envelope.APIError{Message: "Invoice already posted"}
	_, err = h.engine.Submit(ctx, KindPostInvoice, json.RawMessage(`{"id":"12"}`))
	var apiErr *envelope.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invoice already posted", apiErr.Message)

	_, err = h.engine.Submit(ctx, KindPostInvoice, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	pending, err := h.engine.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestDrainPropagatesStoreFailures(t *testing.T) {
	store := &failingStore{Store: localstore.NewMemoryStore()}
	h := newHarness(t, func(o *Options) { o.Store = store })
	h.store = store
	h.enqueueCreate(t, "A")

	store.failPuts.Store(true)
	_, err := h.engine.Drain(context.Background())
	require.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, h.api.Calls(), "nothing is dispatched when the syncing mark cannot be written")
}

var errDiskFull = errors.New("disk full")

type failingStore struct {
	localstore.Store
	failPuts atomic.Bool
}

func (s *failingStore) Put(ctx context.Context, table string, rec localstore.Record) error {
	if s.failPuts.Load() {
		return errDiskFull
	}
	return s.Store.Put(ctx, table, rec)
}
