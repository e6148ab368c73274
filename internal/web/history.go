package web

import (
	"net/http"
	"strconv"

	"github.com/ppiankov/wafpolicy/internal/history"
)

// HistoryHandler returns the most recent pass summaries as JSON.
func HistoryHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := hs.List(limitParam(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if summaries == nil {
			summaries = []history.PassSummary{}
		}
		writeJSON(w, summaries)
	}
}

// TrendHandler returns the outcome of one policy over recent passes as JSON.
func TrendHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("policy")
		if name == "" {
			http.Error(w, "policy query parameter is required", http.StatusBadRequest)
			return
		}

		points, err := hs.Trend(name, limitParam(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []history.TrendPoint{}
		}
		writeJSON(w, points)
	}
}

func limitParam(r *http.Request) int {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}
