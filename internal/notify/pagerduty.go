package notify

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/config"
)

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint (var for testing).
var pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue" //nolint:gosec // not a credential

// pdEvent is a PagerDuty Events API v2 request body.
type pdEvent struct {
	Payload     *pdPayload `json:"payload,omitempty"`
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
}

// pdPayload is the payload section of a PagerDuty trigger event.
type pdPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"`
}

func (n *Notifier) sendPagerDuty(wh *config.WebhookConfig, alerts []Alert) {
	for _, a := range alerts {
		event := pdEvent{
			RoutingKey:  wh.RoutingKey,
			EventAction: "trigger",
			DedupKey:    dedupKey(a.Key),
			Payload: &pdPayload{
				Summary:   fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Subject, a.Message),
				Source:    "wafpolicy",
				Severity:  pdSeverity(a.Severity),
				Timestamp: n.now().UTC(),
			},
		}

		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		n.post(pagerDutyEventsURL, "application/json", body)
	}
}

func (n *Notifier) resolvePagerDuty(wh *config.WebhookConfig, keys []string) {
	for _, key := range keys {
		event := pdEvent{
			RoutingKey:  wh.RoutingKey,
			EventAction: "resolve",
			DedupKey:    dedupKey(key),
		}

		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		n.post(pagerDutyEventsURL, "application/json", body)
	}
}

func dedupKey(key string) string {
	return "wafpolicy/" + key
}

func pdSeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarn:
		return "warning"
	default:
		return "info"
	}
}
