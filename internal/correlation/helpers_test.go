package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/incidentforge/internal/cache"
)

// scriptedStore wraps a real store, counts calls and lets a test inject
// failures or mutate the backend between calls.
type scriptedStore struct {
	inner cache.Store

	mu      sync.Mutex
	gets    map[string]int
	sets    []string
	deletes []string
	touches []string

	failGet  func(key string, call int) error
	failSet  func(key string) error
	afterGet func(key string, call int)
}

func newScriptedStore(inner cache.Store) *scriptedStore {
	return &scriptedStore{inner: inner, gets: make(map[string]int)}
}

func (s *scriptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	s.gets[key]++
	n := s.gets[key]
	s.mu.Unlock()

	if s.failGet != nil {
		if err := s.failGet(key, n); err != nil {
			return "", false, err
		}
	}
	v, found, err := s.inner.Get(ctx, key)
	if s.afterGet != nil {
		s.afterGet(key, n)
	}
	return v, found, err
}

func (s *scriptedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.sets = append(s.sets, key)
	s.mu.Unlock()

	if s.failSet != nil {
		if err := s.failSet(key); err != nil {
			return err
		}
	}
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *scriptedStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.inner.Delete(ctx, key)
}

func (s *scriptedStore) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	s.touches = append(s.touches, key)
	s.mu.Unlock()
	return s.inner.(cache.Toucher).Touch(ctx, key, ttl)
}

func (s *scriptedStore) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }
func (s *scriptedStore) Close() error                   { return s.inner.Close() }

func (s *scriptedStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

// plainStore hides Touch so the get/delete/set refresh path is used.
type plainStore struct {
	cache.Store
}

// recordingObserver collects observer callbacks.
type recordingObserver struct {
	mu          sync.Mutex
	outcomes    []Outcome
	cacheErrors map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{cacheErrors: make(map[string]int)}
}

func (o *recordingObserver) ObserveDecision(outcome Outcome, _ string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) ObserveCacheError(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cacheErrors[op]++
}

func sequentialUUIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("incident-%d", n)
	}
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.IncidentFields = []string{"src_ip", "dst_ip", "src", "src_port", "dst_port"}
	cfg.Source = SourceIntrusion
	return cfg
}

type harness struct {
	mr       *miniredis.Miniredis
	store    *scriptedStore
	filter   *Filter
	observer *recordingObserver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, func(s *scriptedStore) cache.Store { return s })
}

func newHarnessWithStore(t *testing.T, cfg Config, wrap func(*scriptedStore) cache.Store) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store := newScriptedStore(cache.NewRedisStore(cache.RedisOptions{Addresses: []string{mr.Addr()}}))
	observer := newRecordingObserver()

	f, err := NewFilter(cfg, wrap(store), zaptest.NewLogger(t),
		WithUUIDGenerator(sequentialUUIDs()),
		WithObserver(observer),
		WithOperationTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	return &harness{mr: mr, store: store, filter: f, observer: observer}
}

func (h *harness) value(t *testing.T, key string) string {
	t.Helper()
	v, err := h.mr.Get(key)
	if err != nil {
		t.Fatalf("expected key %s to exist: %v", key, err)
	}
	return v
}
