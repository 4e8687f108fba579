package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleRecord() models.ShippingRecord {
	req := newRequest("letterpack-plus", 0, true, "u1")
	req.Address.Company = "<script>株式会社</script>"
	return models.NewShippingRecord(*req, "PM001-4", 850)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "sheet-1")
	fixed := time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.Publish(context.Background(), sampleRecord()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "PM001-4", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventShippingRecorded, string(msg.Headers[0].Value))

	var ev ShippingRecordedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, EventShippingRecorded, ev.Type)
	assert.Equal(t, "sheet-1", ev.LedgerID)
	assert.Equal(t, 850, ev.Record.Fee)
	assert.True(t, fixed.Equal(ev.RecordedAt))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{err: errors.New("leader not available")}, "sheet-1")
	assert.Error(t, p.Publish(context.Background(), sampleRecord()))
}

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (s *fakeSender) Send(m *mail.SGMailV3) (*rest.Response, error) {
	s.sent = append(s.sent, m)
	if s.err != nil {
		return nil, s.err
	}
	return &rest.Response{StatusCode: s.status, Body: "body"}, nil
}

func TestMailNotifier_Publish(t *testing.T) {
	sender := &fakeSender{status: 202}
	n := &MailNotifier{client: sender, fromName: "PM001", fromAddr: "from@example.com", toAddr: "ops@example.com"}

	require.NoError(t, n.Publish(context.Background(), sampleRecord()))
	require.Len(t, sender.sent, 1)

	m := sender.sent[0]
	assert.Equal(t, "発送記録を登録しました（PM001-4）", m.Subject)
	assert.Equal(t, "from@example.com", m.From.Address)
	require.Len(t, m.Content, 2)

	plain := m.Content[0].Value
	assert.Contains(t, plain, "発送方法: レターパックプラス")
	assert.Contains(t, plain, "料金: 850円")
	assert.Contains(t, plain, "速達: 速達")
	assert.NotContains(t, plain, "追跡番号")

	htmlBody := m.Content[1].Value
	assert.True(t, strings.Contains(htmlBody, "&lt;script&gt;"))
	assert.NotContains(t, htmlBody, "<script>")
}

func TestMailNotifier_ErrorStatus(t *testing.T) {
	n := &MailNotifier{client: &fakeSender{status: 401}, toAddr: "ops@example.com"}
	assert.Error(t, n.Publish(context.Background(), sampleRecord()))

	n = &MailNotifier{client: &fakeSender{err: errors.New("dial tcp")}, toAddr: "ops@example.com"}
	assert.Error(t, n.Publish(context.Background(), sampleRecord()))
}

func TestNewKafkaPublisher_FlushesEachMessage(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "shipping-records", "sheet-1")
	t.Cleanup(func() { _ = p.Close() })

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.False(t, w.Async)
	assert.Equal(t, 1, w.BatchSize)
	assert.LessOrEqual(t, w.BatchTimeout, 10*time.Millisecond)
	assert.Greater(t, w.BatchTimeout, time.Duration(0))
	assert.Equal(t, "shipping-records", w.Topic)
}
