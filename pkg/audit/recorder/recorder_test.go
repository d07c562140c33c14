package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/audit/storage"
)

// gatedStorage blocks Store until the gate is opened.
type gatedStorage struct {
	*storage.MemoryStorage
	gate    chan struct{}
	failing bool

	mu      sync.Mutex
	written []string
}

func (g *gatedStorage) Store(ctx context.Context, e *audit.Event) error {
	if g.gate != nil {
		<-g.gate
	}
	if g.failing {
		return audit.NewStorageError("memory", "store", errors.New("disk full"))
	}
	g.mu.Lock()
	g.written = append(g.written, e.RequestID)
	g.mu.Unlock()
	return g.MemoryStorage.Store(ctx, e)
}

// order returns request IDs in the order Store saw them.
func (g *gatedStorage) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.written...)
}

func (g *gatedStorage) StoreConfigEvent(ctx context.Context, e *audit.ConfigEvent) error {
	if g.failing {
		return audit.NewStorageError("memory", "store_config_event", errors.New("disk full"))
	}
	return g.MemoryStorage.StoreConfigEvent(ctx, e)
}

type countingObserver struct {
	mu        sync.Mutex
	recorded  map[string]int
	failed    map[string]int
	queueFull int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{recorded: map[string]int{}, failed: map[string]int{}}
}

func (o *countingObserver) EventRecorded(action string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded[action]++
}

func (o *countingObserver) PersistFailed(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
}

func (o *countingObserver) QueueFull() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queueFull++
}

func newEvent(n int, device string) *audit.Event {
	return &audit.Event{
		RequestID:         fmt.Sprintf("req-%03d", n),
		Device:            device,
		SourceIP:          "192.168.1.50",
		EnforcementAction: audit.ActionAllow,
	}
}

func TestRecorder_RecordAndClose(t *testing.T) {
	store := storage.NewMemoryStorage()
	obs := newCountingObserver()
	r := NewRecorder(store, &Config{BufferSize: 100, Lanes: 4, WriteTimeout: time.Second}, WithObserver(obs))

	for i := 0; i < 50; i++ {
		if err := r.Record(newEvent(i, fmt.Sprintf("device-%d", i%5))); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	n, _ := store.Count(context.Background(), &audit.Query{})
	if n != 50 {
		t.Errorf("stored %d events, want 50", n)
	}
	if obs.recorded[audit.ActionAllow] != 50 {
		t.Errorf("observer saw %d recorded events, want 50", obs.recorded[audit.ActionAllow])
	}
}

func TestRecorder_AssignsIDAndTimestamp(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := NewRecorder(store, nil)

	e := newEvent(1, "laptop")
	if err := r.Record(e); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	r.Close()

	if e.ID == "" {
		t.Error("Record() did not assign an ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("Record() did not assign a timestamp")
	}
}

func TestRecorder_PerDeviceOrder(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := NewRecorder(store, &Config{BufferSize: 500, Lanes: 3, WriteTimeout: time.Second})

	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for d := 0; d < 3; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e := newEvent(d*1000+i, fmt.Sprintf("device-%d", d))
				e.Timestamp = base.Add(time.Duration(i) * time.Second)
				if err := r.Record(e); err != nil {
					t.Errorf("Record() failed: %v", err)
				}
			}
		}(d)
	}
	wg.Wait()
	r.Close()

	for d := 0; d < 3; d++ {
		events, err := store.Query(context.Background(), &audit.Query{
			Device:    fmt.Sprintf("device-%d", d),
			SortOrder: "asc",
			Limit:     1000,
		})
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(events) != 100 {
			t.Fatalf("device-%d has %d events, want 100", d, len(events))
		}
		for i, e := range events {
			want := fmt.Sprintf("req-%03d", d*1000+i)
			if e.RequestID != want {
				t.Fatalf("device-%d event %d = %s, want %s", d, i, e.RequestID, want)
			}
		}
	}
}

func TestRecorder_SaturatedLaneKeepsOrder(t *testing.T) {
	gate := make(chan struct{})
	store := &gatedStorage{MemoryStorage: storage.NewMemoryStorage(), gate: gate}
	obs := newCountingObserver()
	r := NewRecorder(store, &Config{BufferSize: 1, Lanes: 1, WriteTimeout: time.Second}, WithObserver(obs))

	// The worker takes the first event and blocks on the gate; the second
	// fills the lane and the rest spill into overflow.
	if err := r.Record(newEvent(1, "laptop")); err != nil {
		t.Fatalf("Record(1) failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(r.lanes[0].ch) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first event")
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Record(newEvent(2, "laptop")); err != nil {
		t.Fatalf("Record(2) failed: %v", err)
	}
	for i := 3; i <= 6; i++ {
		if err := r.Record(newEvent(i, "laptop")); !errors.Is(err, audit.ErrQueueFull) {
			t.Fatalf("Record(%d) on full lane = %v, want ErrQueueFull", i, err)
		}
	}

	close(gate)
	r.Close()

	got := store.order()
	want := []string{"req-001", "req-002", "req-003", "req-004", "req-005", "req-006"}
	if len(got) != len(want) {
		t.Fatalf("persisted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("persist order = %v, want %v", got, want)
		}
	}
	if obs.queueFull != 4 {
		t.Errorf("queueFull = %d, want 4", obs.queueFull)
	}
}

func TestRecorder_OverflowDrainsBeforeNewerEvents(t *testing.T) {
	gate := make(chan struct{})
	store := &gatedStorage{MemoryStorage: storage.NewMemoryStorage(), gate: gate}
	r := NewRecorder(store, &Config{BufferSize: 2, Lanes: 1, WriteTimeout: time.Second})

	for i := 1; i <= 8; i++ {
		_ = r.Record(newEvent(i, "tablet"))
	}
	close(gate)

	// Keep recording while the backlog drains.
	for i := 9; i <= 20; i++ {
		_ = r.Record(newEvent(i, "tablet"))
	}
	r.Close()

	got := store.order()
	if len(got) != 20 {
		t.Fatalf("persisted %d events, want 20", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("req-%03d", i+1); id != want {
			t.Fatalf("position %d = %s, want %s (order %v)", i, id, want, got)
		}
	}
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	r := NewRecorder(storage.NewMemoryStorage(), nil)
	r.Close()

	if err := r.Record(newEvent(1, "laptop")); !errors.Is(err, audit.ErrRecorderClosed) {
		t.Errorf("Record() after Close = %v, want ErrRecorderClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestRecorder_StorageFailuresAreAbsorbed(t *testing.T) {
	store := &gatedStorage{MemoryStorage: storage.NewMemoryStorage(), failing: true}
	obs := newCountingObserver()
	r := NewRecorder(store, nil, WithObserver(obs))

	if err := r.Record(newEvent(1, "laptop")); err != nil {
		t.Errorf("Record() surfaced a storage error: %v", err)
	}
	r.RecordConfigEvent(context.Background(), &audit.ConfigEvent{EventType: audit.EventModeChange})
	r.Close()

	if obs.failed["event"] != 1 || obs.failed["config_event"] != 1 {
		t.Errorf("failures = %v, want one event and one config_event", obs.failed)
	}
}

func TestRecorder_RecordConfigEvent(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := NewRecorder(store, nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled caller context must not lose the event.
	r.RecordConfigEvent(ctx, &audit.ConfigEvent{
		EventType: audit.EventOverrideGrant,
		Actor:     "parent",
		Success:   true,
	})

	events, err := store.ConfigEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ConfigEvents() failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != audit.EventOverrideGrant {
		t.Fatalf("ConfigEvents() = %v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}
