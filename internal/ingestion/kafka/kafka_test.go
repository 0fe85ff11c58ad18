package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

type fakeReader struct {
	msgs      []kafkago.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newPipeline(t *testing.T, sinks ...pipeline.Sink) *pipeline.Pipeline {
	t.Helper()
	store := cache.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })

	cfg := correlation.DefaultConfig()
	cfg.IncidentFields = []string{"src_ip", "dst_ip"}
	cfg.Source = correlation.SourceIntrusion
	f, err := correlation.NewFilter(cfg, store, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	return pipeline.New(f, zaptest.NewLogger(t), sinks...)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrNoInputTopic) {
		t.Errorf("expected ErrNoInputTopic, got %v", err)
	}

	cfg.InputTopic = "events"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Brokers = nil
	cfg.GroupID = ""
	err := cfg.Validate()
	if !errors.Is(err, ErrNoBrokers) || !errors.Is(err, ErrNoGroupID) {
		t.Errorf("expected joined broker and group errors, got %v", err)
	}
}

func TestConsumer_RunCorrelatesAndCommits(t *testing.T) {
	writer := &fakeWriter{}
	p := newPipeline(t, NewProducerFromWriter(writer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafkago.Message{
			{Offset: 1, Value: []byte(`{"src_ip":"1.2.3.4","severity":"high"}`)},
			{Offset: 2, Value: []byte(`garbage`)},
			{Offset: 3, Value: []byte(`{"src_ip":"1.2.3.4","dst_ip":"9.9.9.9"}`)},
		},
	}

	c := NewConsumerFromReader(reader, p, zaptest.NewLogger(t))
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(reader.committed) != 3 {
		t.Errorf("expected all 3 offsets committed, got %v", reader.committed)
	}
	if len(writer.msgs) != 2 {
		t.Fatalf("expected 2 produced messages, got %d", len(writer.msgs))
	}
	if string(writer.msgs[0].Key) == "" || string(writer.msgs[0].Key) != string(writer.msgs[1].Key) {
		t.Errorf("both messages should be keyed by the same incident: %q / %q", writer.msgs[0].Key, writer.msgs[1].Key)
	}

	var out map[string]any
	if err := json.Unmarshal(writer.msgs[1].Value, &out); err != nil {
		t.Fatalf("produced value is not JSON: %v", err)
	}
	if out["incident_uuid"] != string(writer.msgs[1].Key) {
		t.Errorf("payload incident_uuid = %v", out["incident_uuid"])
	}
}

func TestConsumer_SinkFailureStillCommits(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	p := newPipeline(t, NewProducerFromWriter(writer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		cancel: cancel,
		msgs:   []kafkago.Message{{Offset: 7, Value: []byte(`{"src_ip":"1.1.1.1"}`)}},
	}

	if err := NewConsumerFromReader(reader, p, zaptest.NewLogger(t)).Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 7 {
		t.Errorf("expected offset 7 committed, got %v", reader.committed)
	}
}

func TestProducer_UntaggedEventHasNoKey(t *testing.T) {
	writer := &fakeWriter{}
	p := newPipeline(t, NewProducerFromWriter(writer))

	if _, err := p.Process(context.Background(), nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, _, err := p.ProcessRaw(context.Background(), [][]byte{[]byte(`{"src_ip":"2.2.2.2","severity":"low"}`)}); err != nil {
		t.Fatalf("ProcessRaw failed: %v", err)
	}
	if len(writer.msgs) != 1 || writer.msgs[0].Key != nil {
		t.Errorf("gated event should be produced without a key: %+v", writer.msgs)
	}
}
