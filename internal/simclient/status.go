package simclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Status struct {
	State     string        `json:"state"`
	Map       string        `json:"map,omitempty"`
	Actors    int           `json:"actors"`
	Latency   time.Duration `json:"latency_ns"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type statusResponse struct {
	Map    string `json:"map"`
	Actors int    `json:"actors"`
}

// Poll reports backend status every interval until ctx is done.
func (s *Session) Poll(ctx context.Context, interval time.Duration, update func(Status)) {
	if update == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(s.fetchStatus(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) fetchStatus(ctx context.Context) Status {
	start := time.Now()
	status, body, err := s.call(ctx, http.MethodGet, buildPaths(s.baseURL, s.apiVersion, "status"), nil)
	out := Status{Latency: time.Since(start), UpdatedAt: time.Now()}
	switch {
	case err != nil:
		out.State = "error"
		return out
	case !isSuccess(status):
		out.State = fmt.Sprintf("http_%d", status)
		return out
	case len(body) == 0:
		out.State = "ok"
		return out
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		s.log.Debug("undecodable status body", zap.Error(err))
		out.State = "error"
		return out
	}
	out.Map = resp.Map
	out.Actors = resp.Actors
	out.State = "ok"
	if state, ok := extractState(body); ok {
		out.State = state
	}
	return out
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

// findState looks for the first "state" or "status" string, descending into
// nested objects and arrays.
func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status"} {
			entry, ok := v[key]
			if !ok {
				continue
			}
			if inner, ok := entry.(string); ok {
				return inner
			}
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
