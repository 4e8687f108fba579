package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/ledger"
	"postpilot/middleware"
	"postpilot/models"
	"postpilot/services"
	"postpilot/store"
)

const validBody = `{
  "address": {"name": "山田 太郎", "company": "山田商店", "postalCode": "1000001", "address": "東京都千代田区千代田1-1"},
  "shippingData": {"method": "standard_regular", "weight": 120, "express": true, "trackingNumber": "", "contentType": "書類", "contentDetail": "", "postingMethod": "metered-mail"},
  "timestamp": "2024-11-05T09:30:00.000Z",
  "userId": "alice"
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Version string          `json:"version"`
}

func newTestRouter(svc ShippingService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	middleware.SetupMiddleware(r, &middleware.Config{})
	RegisterRoutes(r, NewShippingHandler(svc))
	return r
}

func do(t *testing.T, r http.Handler, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestHandleRecord_Success(t *testing.T) {
	mem := store.NewMemoryLedger()
	r := newTestRouter(services.NewShippingService(mem, "sheet-1"))

	w, env := do(t, r, http.MethodPost, "/", validBody, map[string]string{"Content-Type": "text/plain;charset=utf-8"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	var result models.RecordResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "PM001-1", result.RecordID)
	assert.Equal(t, 520, result.Fee)
	assert.Equal(t, "2024-11-05T09:30:00.000Z", result.Timestamp)

	rows, err := mem.Rows(context.Background(), "sheet-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "後納郵便", rows[0][11])
}

func TestHandleRecord_RecordsAlias(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), "sheet-1"))
	w, env := do(t, r, http.MethodPost, "/records", validBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestHandleRecord_MissingData(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), "sheet-1"))

	for _, body := range []string{
		`{"address": {"name": "a"}, "timestamp": "t"}`,
		`{"shippingData": {"method": "letterpack-plus"}}`,
		`{}`,
	} {
		w, env := do(t, r, http.MethodPost, "/", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.False(t, env.Success)
		assert.Equal(t, models.MsgMissingRequiredData, env.Error)
	}
}

func TestHandleRecord_MalformedJSON(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), "sheet-1"))

	w, env := do(t, r, http.MethodPost, "/", `{"address":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.MsgInvalidRequestFormat, env.Error)
}

func TestHandleRecord_LedgerNotConfigured(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), ""))

	w, env := do(t, r, http.MethodPost, "/", validBody, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, models.MsgLedgerNotConfigured, env.Error)
}

type brokenLedger struct{}

func (brokenLedger) Append(context.Context, string, ledger.Row) (int, error) {
	return 0, errors.New("permission denied")
}

func (brokenLedger) Rows(context.Context, string) ([]ledger.Row, error) {
	return nil, errors.New("permission denied")
}

func TestHandleRecord_LedgerFailure(t *testing.T) {
	r := newTestRouter(services.NewShippingService(brokenLedger{}, "sheet-1"))

	w, env := do(t, r, http.MethodPost, "/", validBody, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "permission denied")
}

func TestHandleRecord_StrictRejectsUnknownMethod(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), "sheet-1", services.WithStrictValidation(true)))

	body := strings.Replace(validBody, "standard_regular", "yu-pack", 1)
	w, env := do(t, r, http.MethodPost, "/", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.MsgInvalidShippingMethod+": shippingData.method", env.Error)
}

func TestHandleRecord_StrictReportsMissingField(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), "sheet-1", services.WithStrictValidation(true)))

	body := strings.Replace(validBody, `"postalCode": "1000001", `, "", 1)
	w, env := do(t, r, http.MethodPost, "/", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.MsgMissingRequiredData+": address.postalCode", env.Error)
}

func TestHandleRecord_IdempotencyKeyInProgress(t *testing.T) {
	idem := store.NewMemoryIdempotencyStore(0)
	ok, err := idem.Reserve(context.Background(), "form-submit-1")
	require.NoError(t, err)
	require.True(t, ok)

	mem := store.NewMemoryLedger()
	svc := services.NewShippingService(mem, "sheet-1",
		services.WithIdempotency(idem),
		services.WithIdempotencyWait(30*time.Millisecond))
	r := newTestRouter(svc)

	w, env := do(t, r, http.MethodPost, "/", validBody, map[string]string{middleware.HeaderIdempotencyKey: "form-submit-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, models.MsgRequestInProgress, env.Error)

	_, err = mem.Rows(context.Background(), "sheet-1")
	assert.ErrorIs(t, err, store.ErrLedgerNotFound)
}

func TestHandleRecord_IdempotencyKey(t *testing.T) {
	mem := store.NewMemoryLedger()
	svc := services.NewShippingService(mem, "sheet-1", services.WithIdempotency(store.NewMemoryIdempotencyStore(0)))
	r := newTestRouter(svc)
	headers := map[string]string{middleware.HeaderIdempotencyKey: "form-submit-1"}

	w1, env1 := do(t, r, http.MethodPost, "/", validBody, headers)
	require.Equal(t, http.StatusOK, w1.Code)
	assert.Empty(t, w1.Header().Get(HeaderIdempotentReplay))

	w2, env2 := do(t, r, http.MethodPost, "/", validBody, headers)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "true", w2.Header().Get(HeaderIdempotentReplay))
	assert.JSONEq(t, string(env1.Data), string(env2.Data))

	rows, err := mem.Rows(context.Background(), "sheet-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleRoot_Health(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), ""))

	w, env := do(t, r, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, APIMessage, env.Message)
	assert.Equal(t, APIVersion, env.Version)
	assert.Empty(t, env.Data)
}

func TestHandleRoot_GetHistory(t *testing.T) {
	svc := services.NewShippingService(store.NewMemoryLedger(), "sheet-1")
	r := newTestRouter(svc)

	for _, user := range []string{"alice", "bob", "alice"} {
		body := strings.Replace(validBody, `"userId": "alice"`, `"userId": "`+user+`"`, 1)
		w, _ := do(t, r, http.MethodPost, "/", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	for _, target := range []string{"/?action=getHistory&userId=alice", "/history?userId=alice"} {
		w, env := do(t, r, http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusOK, w.Code, target)

		var records []models.ShippingRecord
		require.NoError(t, json.Unmarshal(env.Data, &records))
		require.Len(t, records, 2)
		assert.Equal(t, "PM001-1", records[0].RecordID)
		assert.Equal(t, "PM001-3", records[1].RecordID)
		assert.Equal(t, "metered-mail", records[0].ShippingData.PostingMethod)
		assert.True(t, records[0].ShippingData.Express)
	}

	_, env := do(t, r, http.MethodGet, "/history", "", nil)
	var all []models.ShippingRecord
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 3)
}

func TestHandleHistory_UnsetLedgerIsEmptyList(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), ""))

	w, env := do(t, r, http.MethodGet, "/history?userId=alice", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestHandleHistory_LedgerFailure(t *testing.T) {
	r := newTestRouter(services.NewShippingService(brokenLedger{}, "sheet-1"))

	w, env := do(t, r, http.MethodGet, "/history", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, env.Success)
}

func TestHandleFee(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), ""))

	w, env := do(t, r, http.MethodGet, "/fee?method=standard_irregular&weight=150&express=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var quote struct {
		BaseFee    int  `json:"baseFee"`
		Total      int  `json:"total"`
		Recognized bool `json:"recognized"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.Equal(t, 390, quote.BaseFee)
	assert.Equal(t, 640, quote.Total)
	assert.True(t, quote.Recognized)

	w, _ = do(t, r, http.MethodGet, "/fee?method=standard_regular&weight=heavy", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodGet, "/fee?method=standard_regular&express=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	r := newTestRouter(services.NewShippingService(store.NewMemoryLedger(), ""))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
