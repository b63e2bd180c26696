package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probe(t *testing.T, h http.HandlerFunc) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestChecker_AllHealthy(t *testing.T) {
	c := New()
	c.RegisterLiveness("traces", func() error { return nil })
	c.RegisterReadiness("exporter", func() error { return nil })

	if code, resp := probe(t, c.LiveHandler()); code != http.StatusOK || len(resp.Components) != 1 {
		t.Errorf("live = %d %+v", code, resp)
	}
	code, resp := probe(t, c.ReadyHandler())
	if code != http.StatusOK || resp.Status != StatusUp || len(resp.Components) != 2 {
		t.Errorf("ready = %d %+v", code, resp)
	}
	if resp.Components[0].Name != "exporter" {
		t.Errorf("components not sorted: %+v", resp.Components)
	}
}

func TestChecker_ReadinessFailureKeepsLive(t *testing.T) {
	c := New()
	c.RegisterReadiness("exporter", func() error { return errors.New("not connected") })

	if code, _ := probe(t, c.LiveHandler()); code != http.StatusOK {
		t.Errorf("live = %d, want 200", code)
	}
	code, resp := probe(t, c.ReadyHandler())
	if code != http.StatusServiceUnavailable || resp.Components[0].Message != "not connected" {
		t.Errorf("ready = %d %+v", code, resp)
	}
}

func TestChecker_LivenessFailure(t *testing.T) {
	c := New()
	c.RegisterLiveness("logs", func() error { return errors.New("worker stopped") })

	if code, _ := probe(t, c.LiveHandler()); code != http.StatusServiceUnavailable {
		t.Errorf("live = %d, want 503", code)
	}
	if code, _ := probe(t, c.ReadyHandler()); code != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503", code)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	c := New()
	c.SetShuttingDown()

	if code, _ := probe(t, c.LiveHandler()); code != http.StatusOK {
		t.Errorf("live = %d during shutdown, want 200", code)
	}
	code, resp := probe(t, c.ReadyHandler())
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Errorf("ready = %d %+v during shutdown", code, resp)
	}
}
