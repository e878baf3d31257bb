// Package alerting delivers operator alerts over email, webhook and pager
// channels. Delivery failures are logged and counted, never returned to the
// caller.
package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification
type Alert struct {
	ID       string            `json:"id"`
	Severity Severity          `json:"severity"`
	Source   string            `json:"source"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"time"`
}

// Notifier is what the control-plane services depend on
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Channel is a single delivery transport
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

type guardedChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker[struct{}]
}

// Dispatcher fans alerts out to every channel, each behind its own circuit
// breaker so a dead transport stops costing a timeout per alert.
type Dispatcher struct {
	channels []guardedChannel
	timeout  time.Duration
	logger   *logrus.Entry
}

// NewDispatcher builds channels from configuration
func NewDispatcher(cfg config.AlertingConfig, logger *logrus.Logger) *Dispatcher {
	var channels []Channel
	if cfg.Email.Enabled {
		channels = append(channels, NewEmailChannel(cfg.Email, cfg.Timeout))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, NewWebhookChannel(cfg.Webhook.URL, cfg.Timeout))
	}
	if cfg.Pager.Enabled {
		channels = append(channels, NewPagerChannel(cfg.Pager.URL, cfg.Pager.RoutingKey, cfg.Timeout))
	}
	return NewDispatcherWithChannels(logger, cfg.Timeout, channels...)
}

// NewDispatcherWithChannels wraps the given channels
func NewDispatcherWithChannels(logger *logrus.Logger, timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	entry := logger.WithField("component", "alerting")
	d := &Dispatcher{timeout: timeout, logger: entry}
	for _, ch := range channels {
		d.channels = append(d.channels, guardedChannel{Channel: ch, cb: newBreaker(ch.Name(), entry)})
	}
	if len(d.channels) == 0 {
		entry.Info("No alert channels enabled; alerts will only be logged")
	}
	return d
}

func newBreaker(name string, logger *logrus.Entry) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "alert-" + name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Alert channel circuit breaker changed state")
		},
	})
}

// Notify logs the alert and delivers it to every channel concurrently
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Time.IsZero() {
		alert.Time = time.Now()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityWarning
	}

	entry := d.logger.WithFields(logrus.Fields{
		"alert":    alert.ID,
		"severity": alert.Severity,
		"source":   alert.Source,
	})
	switch alert.Severity {
	case SeverityCritical:
		entry.Error(alert.Title + ": " + alert.Message)
	case SeverityWarning:
		entry.Warn(alert.Title + ": " + alert.Message)
	default:
		entry.Info(alert.Title + ": " + alert.Message)
	}

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch guardedChannel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			_, err := ch.cb.Execute(func() (struct{}, error) {
				return struct{}{}, ch.Send(sendCtx, alert)
			})
			switch {
			case err == nil:
				metrics.AlertsSent.WithLabelValues(ch.Name(), "success").Inc()
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				metrics.AlertsSent.WithLabelValues(ch.Name(), "rejected").Inc()
				entry.WithField("channel", ch.Name()).Debug("Alert channel breaker open, skipping delivery")
			default:
				metrics.AlertsSent.WithLabelValues(ch.Name(), "failure").Inc()
				entry.WithError(err).WithField("channel", ch.Name()).Warn("Failed to deliver alert")
			}
		}(ch)
	}
	wg.Wait()
}

// Recorder keeps alerts in memory
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify records the alert
func (r *Recorder) Notify(_ context.Context, alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

// Alerts returns a copy of the recorded alerts
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count returns how many alerts came from source. An empty source counts all.
func (r *Recorder) Count(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if source == "" || a.Source == source {
			n++
		}
	}
	return n
}

// Nop discards alerts
type Nop struct{}

// Notify does nothing
func (Nop) Notify(context.Context, Alert) {}
