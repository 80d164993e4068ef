package quakes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/quakescope/internal/models"
	"github.com/rewired-gh/quakescope/internal/storage"
)

type fakeSource struct {
	mu         sync.Mutex
	live       []models.Earthquake
	liveErr    error
	historical []models.Earthquake
	histErr    error
	liveCalls  int
	histCalls  int
}

func (f *fakeSource) FetchLiveFeed(ctx context.Context, minMagnitude float64) ([]models.Earthquake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveCalls++
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	return append([]models.Earthquake(nil), f.live...), nil
}

func (f *fakeSource) FetchHistorical(ctx context.Context, target int, minMagnitude float64) ([]models.Earthquake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls++
	if f.histErr != nil {
		return nil, f.histErr
	}
	return append([]models.Earthquake(nil), f.historical...), nil
}

type fakeNotifier struct {
	dangerous [][]models.Earthquake
	errors    []error
	recovered []int
	sendErr   error
}

func (n *fakeNotifier) SendDangerous(quakes []models.Earthquake) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.dangerous = append(n.dangerous, quakes)
	return nil
}

func (n *fakeNotifier) SendError(err error) error {
	n.errors = append(n.errors, err)
	return nil
}

func (n *fakeNotifier) SendRecovery(failures int) error {
	n.recovered = append(n.recovered, failures)
	return nil
}

var baseTime = time.Now().UTC().Truncate(time.Minute)

// q builds a record whose time is minutesAgo before baseTime. A negative mag means no magnitude.
func q(id string, mag float64, location string, minutesAgo int) models.Earthquake {
	e := models.Earthquake{
		ID:        id,
		Location:  location,
		Time:      baseTime.Add(-time.Duration(minutesAgo) * time.Minute),
		Latitude:  10,
		Longitude: 20,
	}
	if mag >= 0 {
		e.Magnitude = models.Float(mag)
	}
	return e
}

func ids(records []models.Earthquake) string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return fmt.Sprint(out)
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(100, ":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func serviceOptions() Options {
	return Options{CacheKey: "all_100_test", TTL: 10 * time.Minute, TargetSize: 100, MinMagnitude: 2.5}
}

func TestRecords_ServesFreshCache(t *testing.T) {
	store := newStore(t)
	if err := store.SaveBatch("all_100_test", []models.Earthquake{
		q("a", 3.0, "A", 3), q("b", 4.0, "B", 1), q("c", 5.0, "C", 2),
	}); err != nil {
		t.Fatal(err)
	}
	source := &fakeSource{}
	svc := NewService(source, store, serviceOptions())

	res, err := svc.Records(context.Background(), 2, SortTime)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if !res.Cached || res.Stale {
		t.Errorf("Expected fresh cached result, got cached=%v stale=%v", res.Cached, res.Stale)
	}
	if got := ids(res.Records); got != "[b c]" {
		t.Errorf("Expected [b c], got %s", got)
	}
	if source.liveCalls != 0 {
		t.Errorf("Expected no live fetch, got %d", source.liveCalls)
	}
}

func TestRecords_SupplementsLiveWithCache(t *testing.T) {
	store := newStore(t)
	if err := store.SaveBatch("all_100_test", []models.Earthquake{
		q("old1", 3.0, "X", 100), q("dup", 3.5, "X", 5), q("old2", 3.2, "X", 200),
	}); err != nil {
		t.Fatal(err)
	}
	source := &fakeSource{live: []models.Earthquake{q("new", 4.4, "Y", 1), q("dup", 3.5, "X", 5)}}
	svc := NewService(source, store, serviceOptions())

	res, err := svc.Records(context.Background(), 10, SortTime)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if res.Cached {
		t.Error("Expected live result")
	}
	if got := ids(res.Records); got != "[new dup old1 old2]" {
		t.Errorf("Expected [new dup old1 old2], got %s", got)
	}

	batch, err := store.LoadBatch("all_100_test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 4 {
		t.Errorf("Expected merged batch of 4 to be cached, got %d", len(batch.Records))
	}
}

func TestRecords_FallsBackToStaleCache(t *testing.T) {
	store := newStore(t)
	if err := store.SaveBatch("all_100_test", []models.Earthquake{q("a", 3.0, "A", 1)}); err != nil {
		t.Fatal(err)
	}
	opts := serviceOptions()
	opts.TTL = time.Nanosecond
	time.Sleep(time.Millisecond)

	source := &fakeSource{liveErr: errors.New("upstream down")}
	svc := NewService(source, store, opts)

	res, err := svc.Records(context.Background(), 5, SortTime)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if !res.Stale || !res.Cached {
		t.Errorf("Expected stale cached result, got cached=%v stale=%v", res.Cached, res.Stale)
	}
	if got := ids(res.Records); got != "[a]" {
		t.Errorf("Expected [a], got %s", got)
	}
}

func TestRecords_EmptyWhenNothingAvailable(t *testing.T) {
	svc := NewService(&fakeSource{liveErr: errors.New("upstream down")}, newStore(t), serviceOptions())

	res, err := svc.Records(context.Background(), 5, SortTime)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Records == nil || len(res.Records) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", res.Records)
	}
}

func TestRecords_SortOrders(t *testing.T) {
	store := newStore(t)
	if err := store.SaveBatch("all_100_test", []models.Earthquake{
		q("a", 3.0, "Chile", 3),
		q("b", -1, "Alaska", 1),
		q("c", 6.2, "Japan", 2),
		q("d", 4.1, "Alaska", 4),
	}); err != nil {
		t.Fatal(err)
	}
	svc := NewService(&fakeSource{}, store, serviceOptions())

	tests := []struct {
		sortBy string
		want   string
	}{
		{SortTime, "[b c a d]"},
		{"", "[b c a d]"},
		{SortMagnitude, "[c d a b]"},
		{SortLocation, "[b d a c]"},
	}
	for _, tt := range tests {
		t.Run(tt.sortBy, func(t *testing.T) {
			res, err := svc.Records(context.Background(), 4, tt.sortBy)
			if err != nil {
				t.Fatalf("Records failed: %v", err)
			}
			if got := ids(res.Records); got != tt.want {
				t.Errorf("sort %q: expected %s, got %s", tt.sortBy, tt.want, got)
			}
		})
	}
}

func TestRecords_SortDoesNotChangeSelection(t *testing.T) {
	store := newStore(t)
	if err := store.SaveBatch("all_100_test", []models.Earthquake{
		q("old2", 7.9, "Japan", 40),
		q("new1", 2.6, "Alaska", 1),
		q("old1", 7.5, "Chile", 30),
		q("new2", 2.7, "Peru", 2),
	}); err != nil {
		t.Fatal(err)
	}
	svc := NewService(&fakeSource{}, store, serviceOptions())

	tests := []struct {
		sortBy string
		want   string
	}{
		{SortTime, "[new1 new2]"},
		{SortMagnitude, "[new2 new1]"},
		{SortLocation, "[new1 new2]"},
	}
	for _, tt := range tests {
		t.Run(tt.sortBy, func(t *testing.T) {
			res, err := svc.Records(context.Background(), 2, tt.sortBy)
			if err != nil {
				t.Fatalf("Records failed: %v", err)
			}
			if got := ids(res.Records); got != tt.want {
				t.Errorf("sort %q: expected %s, got %s", tt.sortBy, tt.want, got)
			}
		})
	}
}

func TestRecords_InvalidArguments(t *testing.T) {
	svc := NewService(&fakeSource{}, newStore(t), serviceOptions())

	if _, err := svc.Records(context.Background(), 0, SortTime); err == nil {
		t.Error("Expected error for size 0")
	}
	if _, err := svc.Records(context.Background(), 5, "depth"); err == nil {
		t.Error("Expected error for unknown sort order")
	}
	if ValidSort("depth") || !ValidSort(SortMagnitude) {
		t.Error("ValidSort disagrees with Records")
	}
}

func TestMerge(t *testing.T) {
	primary := []models.Earthquake{q("a", 3, "", 1), q("b", 3, "", 2)}
	secondary := []models.Earthquake{q("b", 3, "", 2), q("c", 3, "", 3)}

	merged := Merge(primary, secondary)
	if got := ids(merged); got != "[a b c]" {
		t.Errorf("Expected [a b c], got %s", got)
	}
	if len(primary) != 2 || len(secondary) != 2 {
		t.Error("Merge modified its inputs")
	}
}

func refresherOptions() RefresherOptions {
	return RefresherOptions{
		CacheKey:     "all_100_test",
		Interval:     time.Hour,
		TTL:          10 * time.Minute,
		TargetSize:   100,
		MinMagnitude: 2.5,
		MaxAlerts:    2,
	}
}

func TestRefresh_SavesBatchAndAnnounces(t *testing.T) {
	store := newStore(t)
	source := &fakeSource{historical: []models.Earthquake{
		q("big1", 6.0, "A", 10),
		q("small", 3.0, "B", 20),
		q("big2", 5.0, "C", 30),
		q("big3", 5.5, "D", 40),
		q("ancient", 7.0, "E", 60*48),
	}}
	notifier := &fakeNotifier{}

	r := NewRefresher(source, store, notifier, refresherOptions())
	r.now = func() time.Time { return baseTime }

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	batch, err := store.LoadBatch("all_100_test", 0)
	if err != nil {
		t.Fatalf("Expected batch to be cached: %v", err)
	}
	if len(batch.Records) != 5 {
		t.Errorf("Expected 5 cached records, got %d", len(batch.Records))
	}

	if len(notifier.dangerous) != 1 {
		t.Fatalf("Expected 1 alert message, got %d", len(notifier.dangerous))
	}
	if got := ids(notifier.dangerous[0]); got != "[big1 big2]" {
		t.Errorf("Expected alerts capped at [big1 big2], got %s", got)
	}

	pending, err := store.FilterUnnotified([]string{"big1", "big2", "big3", "ancient"})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(pending) != "[ancient]" {
		t.Errorf("Expected only the out-of-window event unmarked, got %v", pending)
	}

	// A second cycle finds nothing new.
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Second refresh failed: %v", err)
	}
	if len(notifier.dangerous) != 1 {
		t.Errorf("Expected no repeat alerts, got %d messages", len(notifier.dangerous))
	}
}

func TestRefresh_FailedSendLeavesEventsPending(t *testing.T) {
	store := newStore(t)
	source := &fakeSource{historical: []models.Earthquake{q("big", 6.0, "A", 10)}}
	notifier := &fakeNotifier{sendErr: errors.New("telegram down")}

	r := NewRefresher(source, store, notifier, refresherOptions())
	r.now = func() time.Time { return baseTime }

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh should succeed even if alerting fails: %v", err)
	}
	pending, err := store.FilterUnnotified([]string{"big"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Error("Expected event to remain pending after failed send")
	}
}

func TestRefresh_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source *fakeSource
	}{
		{"upstream error", &fakeSource{histErr: errors.New("boom")}},
		{"no records", &fakeSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRefresher(tt.source, newStore(t), nil, refresherOptions())
			if err := r.Refresh(context.Background()); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestRefresher_FailureAndRecoveryNotifications(t *testing.T) {
	notifier := &fakeNotifier{}
	r := NewRefresher(&fakeSource{}, newStore(t), notifier, refresherOptions())

	r.handleResult(errors.New("first"))
	r.handleResult(errors.New("second"))
	r.handleResult(nil)

	if len(notifier.errors) != 1 {
		t.Errorf("Expected 1 error notification, got %d", len(notifier.errors))
	}
	if len(notifier.recovered) != 1 || notifier.recovered[0] != 2 {
		t.Errorf("Expected recovery after 2 failures, got %v", notifier.recovered)
	}
	if r.consecutiveFailures != 0 {
		t.Errorf("Expected failure count reset, got %d", r.consecutiveFailures)
	}
}

func TestRefresher_ServeStopsOnCancel(t *testing.T) {
	source := &fakeSource{historical: []models.Earthquake{q("a", 3.0, "A", 1)}}
	r := NewRefresher(source, newStore(t), nil, refresherOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		source.mu.Lock()
		calls := source.histCalls
		source.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Initial refresh never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
