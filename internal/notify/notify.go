// Package notify sends webhook notifications when a compilation pass fails,
// drops a policy or fails to render a proxy host, and when that clears.
package notify

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/config"
)

const httpTimeout = 10 * time.Second

// Severity ranks an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarn     Severity = "warn"
)

// Status is the part of a pass outcome alerts are derived from.
type Status struct {
	Error         string   // non-empty when the pass failed
	Dropped       []string // policies that did not compile
	ProxyFailures []string // hosts that could not be rendered
}

// Alert is one active problem.
type Alert struct {
	Key      string   `json:"key"`
	Subject  string   `json:"subject"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Alerts derives the active alerts of s, ordered by key.
func Alerts(s Status) []Alert {
	var out []Alert
	if s.Error != "" {
		out = append(out, Alert{Key: "pass", Subject: "pass", Severity: SeverityCritical, Message: "compilation pass failed: " + s.Error})
	}
	for _, name := range s.Dropped {
		out = append(out, Alert{Key: "policy/" + name, Subject: name, Severity: SeverityWarn, Message: "policy dropped from the bundle"})
	}
	for _, host := range s.ProxyFailures {
		out = append(out, Alert{Key: "proxy/" + host, Subject: host, Severity: SeverityWarn, Message: "proxy configuration not rendered"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Notifier sends alerts for problems that appear between passes.
type Notifier struct {
	sent     map[string]time.Time
	client   *http.Client
	webhooks []config.WebhookConfig
	cooldown time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// New creates a Notifier from notification config. Returns nil if not enabled or no webhooks.
func New(cfg config.NotificationConfig) *Notifier {
	if !cfg.Enabled || len(cfg.Webhooks) == 0 {
		return nil
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = time.Hour
	}

	return &Notifier{
		webhooks: cfg.Webhooks,
		cooldown: cooldown,
		sent:     make(map[string]time.Time),
		client:   &http.Client{Timeout: httpTimeout},
		now:      time.Now,
	}
}

// Notify compares the previous and current pass and sends the alerts that
// are new, plus resolve events for alerts that cleared.
func (n *Notifier) Notify(prev, curr Status) {
	prevKeys := make(map[string]bool)
	for _, a := range Alerts(prev) {
		prevKeys[a.Key] = true
	}

	now := n.now()
	var fresh []Alert
	currAlerts := Alerts(curr)
	currKeys := make(map[string]bool, len(currAlerts))

	n.mu.Lock()
	for _, a := range currAlerts {
		currKeys[a.Key] = true
		if prevKeys[a.Key] {
			continue
		}
		if lastSent, ok := n.sent[a.Key]; ok && now.Sub(lastSent) < n.cooldown {
			continue
		}
		fresh = append(fresh, a)
		n.sent[a.Key] = now
	}
	n.mu.Unlock()

	var resolved []string
	for key := range prevKeys {
		if !currKeys[key] {
			resolved = append(resolved, key)
		}
	}
	sort.Strings(resolved)

	if len(fresh) == 0 && len(resolved) == 0 {
		return
	}
	n.dispatch(fresh, resolved)
}

// dispatch sends new alerts and resolve events to all configured webhooks.
func (n *Notifier) dispatch(fresh []Alert, resolved []string) {
	for i := range n.webhooks {
		wh := &n.webhooks[i]
		switch wh.Type {
		case "slack":
			if len(fresh) > 0 {
				n.sendSlack(wh.URL, fresh)
			}
		case "grafana":
			if len(fresh) > 0 {
				n.sendGrafana(wh, fresh)
			}
		case "pagerduty":
			if len(fresh) > 0 {
				n.sendPagerDuty(wh, fresh)
			}
			if len(resolved) > 0 {
				n.resolvePagerDuty(wh, resolved)
			}
		default:
			n.sendGeneric(wh.URL, fresh, resolved)
		}
	}
}

// GenericPayload is the JSON body sent to generic webhooks.
type GenericPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	Alerts    []Alert   `json:"alerts"`
	Resolved  []string  `json:"resolved,omitempty"`
}

func (n *Notifier) sendGeneric(webhookURL string, alerts []Alert, resolved []string) {
	payload := GenericPayload{
		Timestamp: n.now().UTC(),
		Summary:   buildSummary(alerts),
		Alerts:    alerts,
		Resolved:  resolved,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("notification: marshal error", "err", err)
		return
	}

	n.post(webhookURL, "application/json", body)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(webhookURL string, alerts []Alert) {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: fmt.Sprintf("wafpolicy: %s", buildSummary(alerts)),
			},
		},
	}

	for _, a := range alerts {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("[%s] *%s*: %s", strings.ToUpper(string(a.Severity)), a.Subject, a.Message),
			},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("Source: wafpolicy | %s", n.now().UTC().Format(time.RFC3339)),
		},
	})

	body, err := json.Marshal(SlackPayload{Blocks: blocks})
	if err != nil {
		slog.Warn("notification: slack marshal error", "err", err)
		return
	}

	n.post(webhookURL, "application/json", body)
}

func (n *Notifier) post(webhookURL, contentType string, body []byte) {
	resp, err := n.client.Post(webhookURL, contentType, bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		slog.Warn("notification: webhook delivery failed", "url", webhookURL, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: webhook returned non-2xx", "url", webhookURL, "status", resp.StatusCode)
	}
}

func buildSummary(alerts []Alert) string {
	var critCount, warnCount int
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			critCount++
		case SeverityWarn:
			warnCount++
		}
	}
	var parts []string
	if critCount > 0 {
		parts = append(parts, fmt.Sprintf("%d critical", critCount))
	}
	if warnCount > 0 {
		parts = append(parts, fmt.Sprintf("%d warn", warnCount))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d alert(s)", len(alerts))
	}
	return strings.Join(parts, ", ") + " alert(s)"
}
