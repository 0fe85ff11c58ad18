package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

type testServer struct {
	router http.Handler
	store  *cache.MemoryStore
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()

	cfg := correlation.DefaultConfig()
	cfg.IncidentFields = []string{"src_ip", "dst_ip", "dst_port"}
	cfg.Source = correlation.SourceIntrusion

	var (
		store *cache.MemoryStore
		cs    cache.Store
	)
	if withStore {
		store = cache.NewMemoryStore(0)
		t.Cleanup(func() { store.Close() })
		cs = store
	}

	f, err := correlation.NewFilter(cfg, cs, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	router := NewRouter(Options{
		Pipeline:     pipeline.New(f, zaptest.NewLogger(t)),
		Store:        cs,
		Logger:       zaptest.NewLogger(t),
		Version:      "test",
		MaxBatchSize: 3,
	})
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

type resultBody struct {
	Event    map[string]any       `json:"event"`
	Decision correlation.Decision `json:"decision"`
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rr.Body.String())
	}
	return v
}

func TestPostEvent(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(t, http.MethodPost, "/api/v1/events", `{"src_ip":"1.2.3.4","severity":"high","msg":"Scan"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	first := decode[resultBody](t, rr)
	if first.Decision.Outcome != correlation.OutcomeNew || first.Event["incident_uuid"] != first.Decision.IncidentUUID {
		t.Fatalf("unexpected result: %+v", first)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/events", `{"src_ip":"1.2.3.4"}`)
	second := decode[resultBody](t, rr)
	if second.Decision.Outcome != correlation.OutcomeMatched || second.Decision.IncidentUUID != first.Decision.IncidentUUID {
		t.Errorf("second event should match: %+v", second.Decision)
	}
}

func TestPostEvent_BadBody(t *testing.T) {
	s := newTestServer(t, true)

	for _, body := range []string{`not json`, `[1,2]`, `"str"`} {
		if rr := s.do(t, http.MethodPost, "/api/v1/events", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestPostBatch(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(t, http.MethodPost, "/api/v1/events/batch",
		`[{"dst_port":80,"severity":"high"},{"dst_port":"80","src_ip":"9.9.9.9","severity":"high"}]`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode[struct {
		Results []resultBody `json:"results"`
		Count   int          `json:"count"`
	}](t, rr)

	if body.Count != 2 {
		t.Fatalf("count = %d", body.Count)
	}
	if body.Results[1].Decision.Outcome != correlation.OutcomeRelated ||
		body.Results[1].Decision.PartnerUUID != body.Results[0].Decision.IncidentUUID {
		t.Errorf("second event should relate to the first: %+v", body.Results[1].Decision)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/events/batch", `[{},{},{},{}]`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized batch: expected 413, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodPost, "/api/v1/events/batch", `{"src_ip":"1.1.1.1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-array batch: expected 400, got %d", rr.Code)
	}
}

func TestGetIncidentAndRelation(t *testing.T) {
	s := newTestServer(t, true)

	first := decode[resultBody](t, s.do(t, http.MethodPost, "/api/v1/events",
		`{"dst_port":22,"severity":"critical","msg":"SSH brute force","namespace_uuid":"ns-1"}`))
	second := decode[resultBody](t, s.do(t, http.MethodPost, "/api/v1/events",
		`{"dst_port":22,"src_ip":"4.4.4.4","severity":"critical","namespace_uuid":"ns-1"}`))

	rr := s.do(t, http.MethodGet, "/api/v1/incidents/"+first.Decision.IncidentUUID+"?namespace=ns-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	inc := decode[correlation.Incident](t, rr)
	if inc.Name != "SSH brute force" || inc.Priority != "critical" || inc.DomainUUID != "ns-1" {
		t.Errorf("unexpected incident: %+v", inc)
	}

	if rr := s.do(t, http.MethodGet, "/api/v1/incidents/"+first.Decision.IncidentUUID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("root namespace lookup: expected 404, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/incidents/"+second.Decision.IncidentUUID+"/relation?namespace=ns-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rel := decode[correlation.Relation](t, rr)
	if rel.PartnerUUID != first.Decision.IncidentUUID {
		t.Errorf("partner = %q, want %q", rel.PartnerUUID, first.Decision.IncidentUUID)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"version":"test"`) {
		t.Errorf("health: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", rr.Code)
	}

	s.store.Close()
	if rr := s.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("ready after close: expected 503, got %d", rr.Code)
	}
}

// TestWithoutCache verifies the API keeps accepting events when the cache
// was unreachable at startup.
func TestWithoutCache(t *testing.T) {
	s := newTestServer(t, false)

	rr := s.do(t, http.MethodPost, "/api/v1/events", `{"src_ip":"1.2.3.4","severity":"critical"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	res := decode[resultBody](t, rr)
	if res.Decision.Reason != correlation.ReasonInert {
		t.Errorf("expected inert decision, got %+v", res.Decision)
	}
	if _, ok := res.Event["incident_uuid"]; ok {
		t.Error("event must not be tagged without a cache")
	}

	if rr := s.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("ready: expected 503, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/api/v1/incidents/x", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("incident lookup: expected 503, got %d", rr.Code)
	}
}

type failingStore struct{ cache.Store }

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func TestGetIncident_BackendError(t *testing.T) {
	store := cache.NewMemoryStore(0)
	defer store.Close()

	router := NewRouter(Options{
		Pipeline:       pipeline.New(nil, zaptest.NewLogger(t)),
		Store:          failingStore{store},
		Logger:         zaptest.NewLogger(t),
		RequestTimeout: time.Second,
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/incidents/abc", nil))

	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rr.Code)
	}
}
