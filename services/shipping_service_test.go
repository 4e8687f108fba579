package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/ledger"
	"postpilot/models"
	"postpilot/store"
)

func newRequest(method string, weight float64, express bool, userID string) *models.ShippingRequest {
	return &models.ShippingRequest{
		Address: &models.Address{
			Name:       "山田 太郎",
			PostalCode: "1000001",
			Address:    "東京都千代田区千代田1-1",
		},
		ShippingData: &models.ShippingData{
			Method:        method,
			Weight:        weight,
			Express:       express,
			ContentType:   "書類",
			PostingMethod: "self-drop",
		},
		Timestamp: "2024-11-05T09:30:00.000Z",
		UserID:    userID,
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []models.ShippingRecord
	err     error
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, r models.ShippingRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, r)
	return p.err
}

type failingLedger struct{ err error }

func (f failingLedger) Append(context.Context, string, ledger.Row) (int, error) { return 0, f.err }
func (f failingLedger) Rows(context.Context, string) ([]ledger.Row, error) { return nil, f.err }

func TestRecord_AppendsRowAndReturnsResult(t *testing.T) {
	mem := store.NewMemoryLedger()
	svc := NewShippingService(mem, "sheet-1")

	result, err := svc.Record(context.Background(), newRequest("standard_regular", 120, true, "u1"))
	require.NoError(t, err)
	assert.Equal(t, "PM001-1", result.RecordID)
	assert.Equal(t, 520, result.Fee)
	assert.Equal(t, "2024-11-05T09:30:00.000Z", result.Timestamp)

	rows, err := mem.Rows(context.Background(), "sheet-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "普通郵便（規格内）", rows[0][5])
	assert.Equal(t, "速達", rows[0][7])
	assert.Equal(t, 520, rows[0][12])
}

func TestRecord_IDMatchesHistory(t *testing.T) {
	svc := NewShippingService(store.NewMemoryLedger(), "sheet-1")
	ctx := context.Background()

	var ids []string
	for _, u := range []string{"alice", "bob", "alice"} {
		r, err := svc.Record(ctx, newRequest("letterpack-plus", 0, false, u))
		require.NoError(t, err)
		ids = append(ids, r.RecordID)
	}

	history, err := svc.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, ids[i], rec.RecordID)
	}
}

func TestRecord_MissingData(t *testing.T) {
	svc := NewShippingService(store.NewMemoryLedger(), "sheet-1")

	req := newRequest("standard_regular", 10, false, "")
	req.ShippingData = nil
	_, err := svc.Record(context.Background(), req)

	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, models.MsgMissingRequiredData, vErr.Message)

	_, err = svc.Record(context.Background(), nil)
	require.ErrorAs(t, err, &vErr)
}

func TestRecord_ValidationBeforeConfiguration(t *testing.T) {
	svc := NewShippingService(store.NewMemoryLedger(), "")

	req := newRequest("standard_regular", 10, false, "")
	req.Address = nil
	_, err := svc.Record(context.Background(), req)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = svc.Record(context.Background(), newRequest("standard_regular", 10, false, ""))
	var cErr *models.ConfigurationError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, models.MsgLedgerNotConfigured, cErr.Message)
}

func TestRecord_LedgerFailureIsWrapped(t *testing.T) {
	boom := errors.New("quota exceeded")
	svc := NewShippingService(failingLedger{err: boom}, "sheet-1")

	_, err := svc.Record(context.Background(), newRequest("standard_regular", 10, false, ""))
	assert.ErrorIs(t, err, boom)
}

func TestRecord_UnknownMethodPassesByDefault(t *testing.T) {
	mem := store.NewMemoryLedger()
	svc := NewShippingService(mem, "sheet-1")

	result, err := svc.Record(context.Background(), newRequest("yu-pack", 500, false, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Fee)

	rows, err := mem.Rows(context.Background(), "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "yu-pack", rows[0][5])
}

func TestRecord_PublishersReceiveRecordAndFailuresAreIgnored(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("broker down")}
	svc := NewShippingService(store.NewMemoryLedger(), "sheet-1", WithPublishers(bad, ok))

	result, err := svc.Record(context.Background(), newRequest("letterpack-light", 0, false, "u1"))
	require.NoError(t, err)

	require.Len(t, ok.records, 1)
	assert.Equal(t, result.RecordID, ok.records[0].RecordID)
	assert.Equal(t, 430, ok.records[0].Fee)
	assert.Len(t, bad.records, 1)
}

func TestRecordOnce_ReturnsFirstResult(t *testing.T) {
	mem := store.NewMemoryLedger()
	svc := NewShippingService(mem, "sheet-1", WithIdempotency(store.NewMemoryIdempotencyStore(0)))
	ctx := context.Background()

	first, dup, err := svc.RecordOnce(ctx, "key-1", newRequest("standard_regular", 60, false, ""))
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := svc.RecordOnce(ctx, "key-1", newRequest("standard_regular", 60, false, ""))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, second)

	rows, err := mem.Rows(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// キーなしは毎回記録する
	_, dup, err = svc.RecordOnce(ctx, "", newRequest("standard_regular", 60, false, ""))
	require.NoError(t, err)
	assert.False(t, dup)
	rows, err = mem.Rows(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

// slowLedger は追記に時間がかかる台帳で、同時送信の競合を再現する
type slowLedger struct {
	*store.MemoryLedger
	delay time.Duration
}

func (l slowLedger) Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error) {
	time.Sleep(l.delay)
	return l.MemoryLedger.Append(ctx, ledgerID, row)
}

func TestRecordOnce_ConcurrentSameKeyAppendsOnce(t *testing.T) {
	mem := store.NewMemoryLedger()
	svc := NewShippingService(slowLedger{MemoryLedger: mem, delay: 50 * time.Millisecond}, "sheet-1",
		WithIdempotency(store.NewMemoryIdempotencyStore(0)))
	svc.idempotencyPoll = 5 * time.Millisecond

	const clicks = 5
	results := make([]*models.RecordResult, clicks)
	replayed := make([]bool, clicks)
	var wg sync.WaitGroup
	for i := 0; i < clicks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, rep, err := svc.RecordOnce(context.Background(), "double-submit", newRequest("letterpack-plus", 0, false, "u1"))
			assert.NoError(t, err)
			results[i], replayed[i] = r, rep
		}(i)
	}
	wg.Wait()

	rows, err := mem.Rows(context.Background(), "sheet-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	fresh := 0
	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "PM001-1", r.RecordID)
		if !replayed[i] {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestRecordOnce_FailedAttemptReleasesKey(t *testing.T) {
	idem := store.NewMemoryIdempotencyStore(0)
	broken := NewShippingService(failingLedger{err: errors.New("quota exceeded")}, "sheet-1", WithIdempotency(idem))

	_, _, err := broken.RecordOnce(context.Background(), "retry-me", newRequest("letterpack-light", 0, false, "u1"))
	require.Error(t, err)

	// 同じキーで再送すれば登録できる
	mem := store.NewMemoryLedger()
	svc := NewShippingService(mem, "sheet-1", WithIdempotency(idem))
	result, replayed, err := svc.RecordOnce(context.Background(), "retry-me", newRequest("letterpack-light", 0, false, "u1"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "PM001-1", result.RecordID)
}

func TestRecordOnce_WaitsForInProgressThenTimesOut(t *testing.T) {
	idem := store.NewMemoryIdempotencyStore(0)
	ok, err := idem.Reserve(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)

	svc := NewShippingService(store.NewMemoryLedger(), "sheet-1", WithIdempotency(idem), WithIdempotencyWait(20*time.Millisecond))
	svc.idempotencyPoll = 5 * time.Millisecond

	_, _, err = svc.RecordOnce(context.Background(), "k", newRequest("letterpack-light", 0, false, "u1"))
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "k", conflict.Key)
}

func TestHistory_FiltersByUserInInsertionOrder(t *testing.T) {
	svc := NewShippingService(store.NewMemoryLedger(), "sheet-1")
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "alice", "carol", "alice"} {
		_, err := svc.Record(ctx, newRequest("standard_irregular", 150, true, u))
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "PM001-1", history[0].RecordID)
	assert.Equal(t, "PM001-3", history[1].RecordID)
	assert.Equal(t, "PM001-5", history[2].RecordID)
	for _, h := range history {
		assert.Equal(t, 640, h.Fee)
		assert.True(t, h.ShippingData.Express)
		assert.Equal(t, "standard_irregular", h.ShippingData.Method)
	}
}

func TestHistory_EmptyCases(t *testing.T) {
	ctx := context.Background()

	unset := NewShippingService(store.NewMemoryLedger(), "")
	h, err := unset.History(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Empty(t, h)

	notCreated := NewShippingService(store.NewMemoryLedger(), "sheet-1")
	h, err = notCreated.History(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Empty(t, h)

	boom := errors.New("network")
	failing := NewShippingService(failingLedger{err: boom}, "sheet-1")
	_, err = failing.History(ctx, "")
	assert.ErrorIs(t, err, boom)
}
