package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/config"
)

// EmailChannel delivers alerts through an SMTP relay
type EmailChannel struct {
	cfg     config.EmailConfig
	timeout time.Duration
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(cfg config.EmailConfig, timeout time.Duration) *EmailChannel {
	return &EmailChannel{cfg: cfg, timeout: timeout}
}

// Name returns the channel identifier
func (c *EmailChannel) Name() string { return "email" }

// Send delivers the alert to every configured recipient
func (c *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if len(c.cfg.To) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	addr := net.JoinHostPort(c.cfg.SMTPHost, strconv.Itoa(c.cfg.SMTPPort))
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(nil); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if c.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range c.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open message body: %w", err)
	}
	if _, err := w.Write([]byte(c.message(alert))); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

func (c *EmailChannel) message(alert Alert) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [GoDRGuard %s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Title)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(alert.Message)
	msg.WriteString("\r\n\r\n")
	fmt.Fprintf(&msg, "Source: %s\r\nTime: %s\r\nAlert ID: %s\r\n", alert.Source, alert.Time.Format(time.RFC3339), alert.ID)

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, alert.Fields[k])
	}
	return msg.String()
}

// WebhookChannel posts the alert as JSON
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

// Name returns the channel identifier
func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the alert
func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, c.client, c.url, alert)
}

// PagerChannel sends trigger events in the PagerDuty Events v2 shape
type PagerChannel struct {
	url        string
	routingKey string
	client     *http.Client
}

// NewPagerChannel creates a pager channel
func NewPagerChannel(url, routingKey string, timeout time.Duration) *PagerChannel {
	return &PagerChannel{url: url, routingKey: routingKey, client: &http.Client{Timeout: timeout}}
}

// Name returns the channel identifier
func (c *PagerChannel) Name() string { return "pager" }

type pagerEvent struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     pagerPayload `json:"payload"`
}

type pagerPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Timestamp     string            `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

// Send pages only for warning and critical alerts
func (c *PagerChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Severity == SeverityInfo {
		return nil
	}
	severity := "warning"
	if alert.Severity == SeverityCritical {
		severity = "critical"
	}
	return postJSON(ctx, c.client, c.url, pagerEvent{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    alert.Source + ":" + alert.Title,
		Payload: pagerPayload{
			Summary:       alert.Title + ": " + alert.Message,
			Source:        alert.Source,
			Severity:      severity,
			Timestamp:     alert.Time.Format(time.RFC3339),
			CustomDetails: alert.Fields,
		},
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
