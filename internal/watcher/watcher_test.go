package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/oddswatch/internal/filter"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/tracker"
)

var testKey = models.MarketKey{MatchID: "m1", MarketType: models.MarketTypeMatchResult, Outcome: "Arsenal"}

func quote(price float64) models.Quote {
	return models.Quote{
		Key:       testKey,
		Price:     price,
		League:    "EPL",
		Home:      "Arsenal",
		Away:      "Chelsea",
		Bookmaker: "pinnacle",
	}
}

// scriptedFeed returns one batch per call and repeats the last batch once exhausted.
type scriptedFeed struct {
	mu      sync.Mutex
	batches [][]models.Quote
	errs    []error
	calls   int
}

func (f *scriptedFeed) Fetch(ctx context.Context) ([]models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	if i >= len(f.batches) {
		i = len(f.batches) - 1
	}
	return f.batches[i], nil
}

type recordingNotifier struct {
	name   string
	err    error
	events []*models.AlertEvent
}

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Notify(ctx context.Context, event *models.AlertEvent) error {
	n.events = append(n.events, event)
	return n.err
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWatcher(t *testing.T, feed Feed, store *storage.Storage, notifiers []Notifier, cfg Config) *Watcher {
	t.Helper()
	return New(feed, nil, tracker.New(tracker.DefaultConfig()), store, notifiers, cfg)
}

func TestRunCycle_AlertDelivered(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00)}, {quote(1.70)}}}
	n := &recordingNotifier{name: "test"}
	w := newTestWatcher(t, feed, store, []Notifier{n}, Config{})

	result, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Quotes != 1 || result.Alerts != 0 {
		t.Errorf("first cycle = %+v", result)
	}

	result, err = w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Alerts != 1 {
		t.Fatalf("second cycle alerts = %d, want 1", result.Alerts)
	}
	if len(n.events) != 1 {
		t.Fatalf("notifier received %d events, want 1", len(n.events))
	}
	e := n.events[0]
	if e.League != "EPL" || e.Fixture() != "Arsenal vs Chelsea" || e.Bookmaker != "pinnacle" {
		t.Errorf("metadata not attached: %+v", e)
	}

	alerts, err := store.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != e.ID || !alerts[0].Notified {
		t.Errorf("stored alerts = %+v", alerts)
	}
}

func TestRunCycle_FailingSinkDoesNotBlockOthers(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00)}, {quote(1.70)}}}
	broken := &recordingNotifier{name: "broken", err: errors.New("down")}
	ok := &recordingNotifier{name: "ok"}
	w := newTestWatcher(t, feed, store, []Notifier{broken, ok}, Config{})

	for i := 0; i < 2; i++ {
		if _, err := w.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	}
	if len(broken.events) != 1 || len(ok.events) != 1 {
		t.Errorf("deliveries: broken=%d ok=%d, want 1 each", len(broken.events), len(ok.events))
	}
}

func TestRunCycle_UndeliveredAlertStaysUnnotified(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00)}, {quote(1.70)}}}
	broken := &recordingNotifier{name: "broken", err: errors.New("down")}
	w := newTestWatcher(t, feed, store, []Notifier{broken}, Config{})

	for i := 0; i < 2; i++ {
		if _, err := w.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	}
	alerts, _ := store.RecentAlerts(10)
	if len(alerts) != 1 || alerts[0].Notified {
		t.Errorf("stored alerts = %+v", alerts)
	}
}

func TestRunCycle_FilterAndRejects(t *testing.T) {
	store := newTestStore(t)
	serieA := quote(2.00)
	serieA.Key.MatchID = "m2"
	serieA.League = "Serie A"
	bad := quote(0)
	bad.Key.MatchID = "m3"

	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00), serieA, bad}}}
	w := New(feed, filter.New(nil, []string{"serie a"}, nil), tracker.New(tracker.DefaultConfig()), store, nil, Config{})

	result, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Quotes != 3 || result.Filtered != 1 || result.Rejected != 1 {
		t.Errorf("result = %+v", result)
	}
	if got := w.Status().TrackedMarkets; got != 1 {
		t.Errorf("tracked markets = %d, want 1", got)
	}
}

func TestRunCycle_FetchError(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{errs: []error{errors.New("boom")}}
	w := newTestWatcher(t, feed, store, nil, Config{})

	if _, err := w.RunCycle(context.Background()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want wrapped fetch error", err)
	}
}

func TestRunCycle_CheckpointAndObservations(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00)}, {quote(1.95)}}}
	w := newTestWatcher(t, feed, store, nil, Config{CheckpointInterval: 2, RecordObservations: true})

	if _, err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if saved, _ := store.LoadTracked(); len(saved) != 0 {
		t.Errorf("checkpoint written too early: %+v", saved)
	}

	if _, err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	saved, err := store.LoadTracked()
	if err != nil {
		t.Fatalf("LoadTracked: %v", err)
	}
	if len(saved) != 1 || len(saved[0].History) != 2 {
		t.Errorf("checkpoint = %+v", saved)
	}

	if n, _ := store.CountObservations(); n != 2 {
		t.Errorf("observations = %d, want 2", n)
	}
}

func TestNew_RestoresCheckpoint(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveTracked([]models.TrackedMarket{
		{Key: testKey, History: []float64{2.00}, LastSeen: time.Now()},
	}); err != nil {
		t.Fatalf("SaveTracked: %v", err)
	}

	feed := &scriptedFeed{batches: [][]models.Quote{{quote(1.70)}}}
	n := &recordingNotifier{name: "test"}
	w := newTestWatcher(t, feed, store, []Notifier{n}, Config{})

	result, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Alerts != 1 || len(n.events) != 1 {
		t.Errorf("restored window did not alert: %+v", result)
	}
}

func TestShutdown_Checkpoints(t *testing.T) {
	store := newTestStore(t)
	feed := &scriptedFeed{batches: [][]models.Quote{{quote(2.00)}}}
	w := newTestWatcher(t, feed, store, nil, Config{CheckpointInterval: 100})

	if _, err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if saved, _ := store.LoadTracked(); len(saved) != 1 {
		t.Errorf("saved = %+v, want 1 market", saved)
	}
}

func TestRun_FailureAndRecoveryHooks(t *testing.T) {
	store := newTestStore(t)
	fail := errors.New("upstream 502")
	feed := &scriptedFeed{
		errs:    []error{fail, fail, nil},
		batches: [][]models.Quote{nil, nil, {quote(2.00)}},
	}
	w := newTestWatcher(t, feed, store, nil, Config{PollInterval: 10 * time.Millisecond})

	var (
		mu        sync.Mutex
		failures  int
		recovered = make(chan int, 1)
	)
	w.OnFailure(func(ctx context.Context, err error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})
	w.OnRecovery(func(ctx context.Context, n int) {
		select {
		case recovered <- n:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case n := <-recovered:
		if n != 2 {
			t.Errorf("recovered after %d failures, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Errorf("failure hook ran %d times, want 1", failures)
	}
	if s := w.Status(); s.ConsecutiveFailures != 0 || s.TrackedMarkets != 1 {
		t.Errorf("status = %+v", s)
	}
}

func TestStatusString(t *testing.T) {
	s := Status{TrackedMarkets: 12, AlertsSent: 3, Cycles: 40}
	got := s.String()
	for _, want := range []string{"Tracking 12 markets", "Alerts sent: 3", "Last cycle: never"} {
		if !strings.Contains(got, want) {
			t.Errorf("status %q missing %q", got, want)
		}
	}

	s.ConsecutiveFailures = 2
	s.LastError = "timeout"
	if !strings.Contains(s.String(), "Failing for 2 cycles: timeout") {
		t.Errorf("status %q missing failure line", s.String())
	}
}
