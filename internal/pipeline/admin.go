package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DefaultFlushTimeout bounds how long POST /flush waits.
const DefaultFlushTimeout = 30 * time.Second

type flushResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Queues []QueueStats `json:"queues"`
}

// FlushHandler serves POST /flush: it forces every queue to export and
// answers once they are done or the optional ?timeout= (a Go duration)
// expires. Without ?timeout= it waits up to wait, or DefaultFlushTimeout
// when wait is zero.
func (p *Pipeline) FlushHandler(wait time.Duration) http.HandlerFunc {
	if wait <= 0 {
		wait = DefaultFlushTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		timeout := wait
		if s := r.URL.Query().Get("timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			timeout = d
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp := flushResponse{Status: "flushed"}
		code := http.StatusOK
		if err := p.ForceFlush(ctx); err != nil {
			resp.Status = "failed"
			resp.Error = err.Error()
			code = http.StatusInternalServerError
			if ctx.Err() != nil {
				resp.Status = "pending"
				code = http.StatusGatewayTimeout
			}
		}
		resp.Queues = p.Stats()
		writeJSON(w, code, resp)
	}
}

// StatsHandler serves GET /queues.
func (p *Pipeline) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Stats())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
