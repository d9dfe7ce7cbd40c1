package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/monitor"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sampleNote() Notification {
	return Notification{
		ConditionName: "High APY",
		Alert: monitor.Alert{
			ID:           "alert-1",
			ConditionID:  "cond-1",
			Type:         monitor.TypeAPYAbove,
			Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Protocol:     "kamino",
			Asset:        "USDC",
			CurrentValue: 18.5,
			Title:        "High APY: kamino USDC",
			Message:      "kamino USDC APY is 18.50%",
			Severity:     monitor.SeverityWarning,
			DeliveredVia: []string{},
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), sampleNote()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "High APY: kamino USDC")
	assert.Contains(t, received["text"], "WARNING")
	assert.Contains(t, received["text"], "(High APY)")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNote())
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, monitor.ChannelTelegram, derr.Channel)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestWebhookNotifierPostsPayloadAndHeaders(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "alert", r.Header.Get(HeaderEvent))
		assert.Equal(t, "alert-1", r.Header.Get(HeaderAlertID))
		assert.NotEmpty(t, r.Header.Get(HeaderTimestamp))

		var payload WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "alert", payload.Event)
		assert.Equal(t, "alert-1", payload.Alert.ID)
		assert.Equal(t, 18.5, payload.Alert.CurrentValue)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier([]string{srv.URL + "/global", srv.URL + "/cond"}, time.Second, "", testLogger())
	note := sampleNote()
	note.WebhookURL = srv.URL + "/cond"
	require.NoError(t, n.Notify(context.Background(), note))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/cond", "/global"}, hits)
}

func TestWebhookNotifierFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(nil, time.Second, "", testLogger())
	assert.ErrorIs(t, n.Notify(context.Background(), sampleNote()), ErrNoTarget)

	note := sampleNote()
	note.WebhookURL = srv.URL
	err := n.Notify(context.Background(), note)
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, srv.URL, derr.Target)
	assert.Contains(t, err.Error(), "500")
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "yieldwatch.alerts", testLogger())
	require.NoError(t, p.Notify(context.Background(), sampleNote()))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "kamino:USDC", string(w.msgs[0].Key))
	var alert monitor.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &alert))
	assert.Equal(t, "alert-1", alert.ID)

	w.err = errors.New("broker down")
	var derr *DeliveryError
	require.ErrorAs(t, p.Notify(context.Background(), sampleNote()), &derr)
	assert.Equal(t, "yieldwatch.alerts", derr.Target)
}

func TestElasticArchiverIndexesAlert(t *testing.T) {
	var path string
	var doc map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&doc)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	a, err := NewElasticArchiver(ElasticOptions{Addresses: []string{srv.URL}, Index: "alerts"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Notify(context.Background(), sampleNote()))

	assert.Equal(t, "/alerts/_doc/alert-1", path)
	assert.Equal(t, "kamino", doc["protocol"])
	assert.Equal(t, "2025-03-01T12:00:00Z", doc["@timestamp"])
}
