package notify

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/config"
)

// grafanaAnnotation is the payload for Grafana's POST /api/annotations endpoint.
type grafanaAnnotation struct {
	Text         string   `json:"text"`
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Tags         []string `json:"tags"`
	Time         int64    `json:"time"`
}

func (n *Notifier) sendGrafana(wh *config.WebhookConfig, alerts []Alert) {
	ann := grafanaAnnotation{
		Time:         n.now().UnixMilli(),
		Tags:         grafanaTags(alerts),
		Text:         grafanaText(alerts),
		DashboardUID: wh.DashboardUID,
	}

	body, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("notification: grafana marshal error", "err", err)
		return
	}

	url := strings.TrimRight(wh.URL, "/") + "/api/annotations"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		slog.Warn("notification: grafana request error", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if wh.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+wh.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification: grafana delivery failed", "url", url, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: grafana returned non-2xx", "url", url, "status", resp.StatusCode)
	}
}

func grafanaTags(alerts []Alert) []string {
	tags := []string{"wafpolicy"}
	var hasCrit, hasWarn bool
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			hasCrit = true
		case SeverityWarn:
			hasWarn = true
		}
	}
	if hasCrit {
		tags = append(tags, string(SeverityCritical))
	}
	if hasWarn {
		tags = append(tags, string(SeverityWarn))
	}
	return tags
}

func grafanaText(alerts []Alert) string {
	lines := []string{"wafpolicy: " + buildSummary(alerts)}
	for _, a := range alerts {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", strings.ToUpper(string(a.Severity)), a.Subject, a.Message))
	}
	return strings.Join(lines, "\n")
}
