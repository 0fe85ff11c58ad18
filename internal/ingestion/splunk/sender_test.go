package splunk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/event"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// hecCollector is a fake downstream HEC endpoint.
type hecCollector struct {
	mu       sync.Mutex
	events   []HECEvent
	auth     []string
	paths    []string
	failures int
}

func (c *hecCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures > 0 {
		c.failures--
		http.Error(w, `{"text":"Server is busy","code":9}`, http.StatusServiceUnavailable)
		return
	}

	c.auth = append(c.auth, r.Header.Get("Authorization"))
	c.paths = append(c.paths, r.URL.Path)
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		var ev HECEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
			c.events = append(c.events, ev)
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"text":"Success","code":0}`))
}

func newTestSender(t *testing.T, url string, retries int) *HECSender {
	t.Helper()
	t.Setenv("TEST_HEC_OUT", "out-token")

	cfg := DefaultSenderConfig()
	cfg.HECURL = url
	cfg.TokenEnv = "TEST_HEC_OUT"
	cfg.RetryCount = retries

	s, err := NewHECSender(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewHECSender failed: %v", err)
	}
	s.backoff = func(int) time.Duration { return time.Millisecond }
	return s
}

func TestNewHECSender_Validation(t *testing.T) {
	t.Setenv("TEST_HEC_EMPTY", "")
	if _, err := NewHECSender(SenderConfig{TokenEnv: "TEST_HEC_EMPTY", HECURL: "http://x"}, nil); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}

	t.Setenv("TEST_HEC_SET", "token")
	if _, err := NewHECSender(SenderConfig{TokenEnv: "TEST_HEC_SET"}, nil); !errors.Is(err, ErrMissingURL) {
		t.Errorf("expected ErrMissingURL, got %v", err)
	}
}

func TestHECSender_SendCarriesIncidentField(t *testing.T) {
	collector := &hecCollector{}
	srv := httptest.NewServer(collector)
	defer srv.Close()

	s := newTestSender(t, srv.URL, 0)
	err := s.Send(context.Background(), []event.Event{
		{"src_ip": "1.2.3.4", "incident_uuid": "abc", "timestamp": json.Number("1700000000")},
		{"src_ip": "5.6.7.8"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(collector.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(collector.events))
	}
	if collector.auth[0] != "Splunk out-token" {
		t.Errorf("unexpected auth header %q", collector.auth[0])
	}
	if collector.events[0].Fields["incident_uuid"] != "abc" {
		t.Errorf("expected indexed incident_uuid, got %v", collector.events[0].Fields)
	}
	if collector.events[0].Time != float64(1700000000) {
		t.Errorf("expected event time, got %v", collector.events[0].Time)
	}
	if collector.events[1].Fields != nil {
		t.Errorf("untagged event should carry no indexed fields, got %v", collector.events[1].Fields)
	}
	if collector.events[0].Index != "incidentforge" {
		t.Errorf("index = %q", collector.events[0].Index)
	}

	stats := s.Stats()
	if stats.EventsSent != 2 || stats.EventsFailed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHECSender_EndpointPath(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"base URL", ""},
		{"trailing slash", "/"},
		{"full event endpoint", "/services/collector/event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := &hecCollector{}
			srv := httptest.NewServer(collector)
			defer srv.Close()

			s := newTestSender(t, srv.URL+tt.path, 0)
			if err := s.Send(context.Background(), []event.Event{{"msg": "x"}}); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			if len(collector.paths) != 1 || collector.paths[0] != "/services/collector/event" {
				t.Errorf("posted to %v", collector.paths)
			}
		})
	}
}

func TestHECSender_Retries(t *testing.T) {
	collector := &hecCollector{failures: 2}
	srv := httptest.NewServer(collector)
	defer srv.Close()

	s := newTestSender(t, srv.URL, 2)
	if err := s.Send(context.Background(), []event.Event{{"msg": "x"}}); err != nil {
		t.Fatalf("Send should succeed on the third attempt: %v", err)
	}

	collector.failures = 5
	if err := s.Send(context.Background(), []event.Event{{"msg": "y"}}); err == nil {
		t.Fatal("Send should fail once retries are exhausted")
	}
	if got := s.Stats().EventsFailed; got != 1 {
		t.Errorf("EventsFailed = %d, want 1", got)
	}
}

func TestHECSender_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL+"/", 0)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestHECEvent_Flatten(t *testing.T) {
	tests := []struct {
		name string
		in   HECEvent
		want event.Event
	}{
		{
			name: "object payload with indexed fields",
			in: HECEvent{
				Event:  map[string]any{"src_ip": "1.2.3.4", "severity": "high"},
				Fields: map[string]any{"severity": "low", "namespace_uuid": "ns"},
				Time:   json.Number("1700000000"),
			},
			want: event.Event{"src_ip": "1.2.3.4", "severity": "high", "namespace_uuid": "ns", "timestamp": json.Number("1700000000")},
		},
		{
			name: "string payload becomes msg",
			in:   HECEvent{Event: "plain text"},
			want: event.Event{"msg": "plain text"},
		},
		{
			name: "json string payload is decoded",
			in:   HECEvent{Event: `{"dst_port": 22}`},
			want: event.Event{"dst_port": json.Number("22")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Flatten()
			if len(got) != len(tt.want) {
				t.Fatalf("Flatten() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

// TestReceiverToSender verifies events posted to the receiver come out of
// the sender tagged with their incident.
func TestReceiverToSender(t *testing.T) {
	collector := &hecCollector{}
	downstream := httptest.NewServer(collector)
	defer downstream.Close()

	store := cache.NewMemoryStore(0)
	defer store.Close()

	cfg := correlation.DefaultConfig()
	cfg.IncidentFields = []string{"src_ip", "dst_ip"}
	cfg.Source = correlation.SourceIntrusion
	filter, err := correlation.NewFilter(cfg, store, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	sender := newTestSender(t, downstream.URL, 0)
	p := pipeline.New(filter, zaptest.NewLogger(t), sender)

	t.Setenv("TEST_HEC_IN", "in-token")
	receiver := NewHECReceiver(ReceiverConfig{
		TokenEnv:     "TEST_HEC_IN",
		MaxEventSize: 1 << 20,
		MaxBatchSize: 100,
	}, PipelineHandler(p), zaptest.NewLogger(t))
	srv := httptest.NewServer(receiver.Routes())
	defer srv.Close()

	body := `{"event":{"src_ip":"1.2.3.4","severity":"critical"}}
{"event":{"src_ip":"1.2.3.4","dst_ip":"8.8.8.8"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/services/collector/event", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Splunk in-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if len(collector.events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(collector.events))
	}
	first := collector.events[0].Fields["incident_uuid"]
	if first == nil || first != collector.events[1].Fields["incident_uuid"] {
		t.Errorf("both events should share one incident: %v / %v", first, collector.events[1].Fields["incident_uuid"])
	}
}
