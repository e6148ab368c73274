package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ppiankov/wafpolicy/internal/compiler"
	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/proxy"
)

func fixedResult(r *compiler.Result) ResultFunc {
	return func() *compiler.Result { return r }
}

func partialResult() *compiler.Result {
	return &compiler.Result{
		Started:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Duration: 1200 * time.Millisecond,
		Outcome:  compiler.OutcomePartial,
		Policies: []string{"shop"},
		Failed:   []string{"ghost"},
		Digest:   "deadbeef",
		Diagnostics: []diag.Entry{
			{Severity: diag.SeverityError, Component: "resolver", Subject: "ghost", Message: "policy dropped"},
			{Severity: diag.SeverityWarn, Component: "refs", Subject: "logTrigger/missing", Message: "fetch failed"},
		},
		Proxy: &proxy.Report{
			Hosts:    []string{"shop.example.com"},
			Files:    []string{"/etc/cp/conf/openappsec-nginx-servers/443_shop.example.com.conf"},
			Failures: []proxy.HostFailure{{Host: "secure.example.org", Location: "/", Err: &proxy.CertMatchError{Host: "secure.example.org"}}},
			Reloaded: true,
		},
	}
}

func TestHealthzHandler_Healthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	w := httptest.NewRecorder()

	HealthzHandler(fixedResult(&compiler.Result{Started: time.Now()}), 5*time.Minute)(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}
}

func TestHealthzHandler_NoPass(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	w := httptest.NewRecorder()

	HealthzHandler(fixedResult(nil), 5*time.Minute)(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthzHandler_Stale(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	w := httptest.NewRecorder()

	HealthzHandler(fixedResult(&compiler.Result{Started: time.Now().Add(-10 * time.Minute)}), 5*time.Minute)(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthzHandler_ZeroMaxAge(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	w := httptest.NewRecorder()

	// Zero maxAge disables staleness check
	HealthzHandler(fixedResult(&compiler.Result{Started: time.Now().Add(-1 * time.Hour)}), 0)(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestPassHandler(t *testing.T) {
	res := partialResult()
	res.ProxyErr = errors.New("reloading nginx: exit status 1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pass", http.NoBody)
	w := httptest.NewRecorder()

	PassHandler(fixedResult(res))(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}

	var v PassView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if v.Outcome != "partial" || v.DurationMs != 1200 || v.Digest != "deadbeef" {
		t.Errorf("unexpected view %+v", v)
	}
	if len(v.Diagnostics) != 2 {
		t.Errorf("diagnostics = %d, want 2", len(v.Diagnostics))
	}
	if v.Proxy == nil || len(v.Proxy.Failures) != 1 || !strings.Contains(v.Proxy.Failures[0].Error, "secure.example.org") {
		t.Errorf("unexpected proxy view %+v", v.Proxy)
	}
	if v.Proxy.Error != "reloading nginx: exit status 1" {
		t.Errorf("proxy error = %q", v.Proxy.Error)
	}
}

func TestPassHandler_NoPass(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pass", http.NoBody)
	w := httptest.NewRecorder()

	PassHandler(fixedResult(nil))(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNewPassView_EmptyCollections(t *testing.T) {
	v := NewPassView(&compiler.Result{Outcome: compiler.OutcomeFailure, Err: errors.New("no policy compiled out of 2")})
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, `"policies":[]`) || !strings.Contains(body, `"diagnostics":[]`) {
		t.Errorf("expected empty arrays, got %s", body)
	}
	if !strings.Contains(body, "no policy compiled out of 2") {
		t.Errorf("expected error text, got %s", body)
	}
}

func TestStatusHandler_ShowsDiagnostics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	w := httptest.NewRecorder()

	StatusHandler(fixedResult(partialResult()))(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{"partial", "shop", "Dropped: ghost", "deadbeef", "logTrigger/missing"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in HTML", want)
		}
	}
}

func TestStatusHandler_NoPass(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	w := httptest.NewRecorder()

	StatusHandler(fixedResult(nil))(w, req)

	if !strings.Contains(w.Body.String(), "No pass has run yet") {
		t.Error("expected placeholder before the first pass")
	}
}
