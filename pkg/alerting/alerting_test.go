package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/logging"
)

type failingChannel struct {
	calls atomic.Int32
}

func (f *failingChannel) Name() string { return "failing" }

func (f *failingChannel) Send(context.Context, Alert) error {
	f.calls.Add(1)
	return errors.New("transport down")
}

func TestWebhookDelivery(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(config.AlertingConfig{
		Timeout: time.Second,
		Webhook: config.WebhookConfig{Enabled: true, URL: srv.URL},
	}, logging.Discard())

	d.Notify(context.Background(), Alert{Source: "replication", Title: "Job failed", Message: "retries exhausted"})

	assert.Equal(t, "replication", got.Source)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, SeverityWarning, got.Severity)
}

func TestPagerPayload(t *testing.T) {
	var got pagerEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewPagerChannel(srv.URL, "rk-123", time.Second)
	require.NoError(t, ch.Send(context.Background(), Alert{Severity: SeverityCritical, Source: "dr", Title: "Failover failed", Time: time.Now()}))
	assert.Equal(t, "rk-123", got.RoutingKey)
	assert.Equal(t, "trigger", got.EventAction)
	assert.Equal(t, "critical", got.Payload.Severity)

	// info alerts never page
	got = pagerEvent{}
	require.NoError(t, ch.Send(context.Background(), Alert{Severity: SeverityInfo}))
	assert.Empty(t, got.RoutingKey)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL, time.Second).Send(context.Background(), Alert{})
	assert.Error(t, err)
}

func TestFailuresAreSwallowedAndBreakerOpens(t *testing.T) {
	ch := &failingChannel{}
	d := NewDispatcherWithChannels(logging.Discard(), time.Second, ch)

	for i := 0; i < 8; i++ {
		d.Notify(context.Background(), Alert{Title: "t"})
	}
	// breaker trips after five consecutive failures
	assert.Equal(t, int32(5), ch.calls.Load())
}

func TestEmailMessage(t *testing.T) {
	ch := NewEmailChannel(config.EmailConfig{From: "dr@example.com", To: []string{"ops@example.com"}}, time.Second)
	msg := ch.message(Alert{Severity: SeverityCritical, Title: "Backup failed", Message: "dump exited 2", Fields: map[string]string{"stage": "dumping"}})
	assert.Contains(t, msg, "Subject: [GoDRGuard CRITICAL] Backup failed")
	assert.Contains(t, msg, "stage: dumping")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), Alert{Source: "dr"})
	r.Notify(context.Background(), Alert{Source: "retention"})
	assert.Equal(t, 2, r.Count(""))
	assert.Equal(t, 1, r.Count("dr"))
	assert.Len(t, r.Alerts(), 2)
}
