package tracker

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// fakeProto is a TrackerProtocol double that records every event it was
// asked to announce, so tests can assert on the started/completed/stopped
// sequencing without a real HTTP tracker.
type fakeProto struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeProto) Announce(_ context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	f.mu.Lock()
	f.events = append(f.events, params.Event)
	f.mu.Unlock()

	return &AnnounceResponse{Interval: time.Hour}, nil
}

func (f *fakeProto) seen() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newTestTracker(t *testing.T, proto *fakeProto) *Tracker {
	t.Helper()

	tr, err := NewTracker("http://tracker.example/announce", nil, &TrackerOpts{
		Log:               slog.Default(),
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// Pre-seed the tracker cache so Announce never tries a real HTTP round
	// trip; the key must match what getTracker derives from the parsed URL.
	tr.trackers["http://tracker.example/announce"] = proto

	return tr
}

func TestIssueAnnounce_StampsRequestedEvent(t *testing.T) {
	proto := &fakeProto{}
	tr := newTestTracker(t, proto)

	for _, event := range []Event{EventStarted, EventNone, EventCompleted, EventStopped} {
		if _, err := tr.issueAnnounce(context.Background(), event); err != nil {
			t.Fatalf("issueAnnounce(%v): %v", event, err)
		}
	}

	got := proto.seen()
	want := []Event{EventStarted, EventNone, EventCompleted, EventStopped}
	if len(got) != len(want) {
		t.Fatalf("got %v events, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAnnounceCompleted_SendsCompletedEvent(t *testing.T) {
	proto := &fakeProto{}
	tr := newTestTracker(t, proto)

	if err := tr.AnnounceCompleted(context.Background()); err != nil {
		t.Fatalf("AnnounceCompleted: %v", err)
	}

	got := proto.seen()
	if len(got) != 1 || got[0] != EventCompleted {
		t.Fatalf("expected a single EventCompleted announce, got %v", got)
	}
}

func TestAnnounceLoop_StartsThenStopsOnCancel(t *testing.T) {
	proto := &fakeProto{}
	tr := newTestTracker(t, proto)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled up front: the loop should still send its started
	// announce before immediately taking the shutdown branch and sending
	// stopped.

	if err := tr.announceLoop(ctx); err != nil {
		t.Fatalf("announceLoop: %v", err)
	}

	got := proto.seen()
	if len(got) != 2 || got[0] != EventStarted || got[1] != EventStopped {
		t.Fatalf("expected [started, stopped], got %v", got)
	}
}

func TestNextAnnounceDelay_BacksOffOnFailure(t *testing.T) {
	interval, failures := nextAnnounceDelay(nil, errors.New("boom"), 0)
	if failures != 1 {
		t.Fatalf("expected failures to increment to 1, got %d", failures)
	}
	if interval <= 0 {
		t.Fatalf("expected a positive backoff interval, got %v", interval)
	}

	interval, failures = nextAnnounceDelay(&AnnounceResponse{Interval: 30 * time.Second}, nil, failures)
	if failures != 0 {
		t.Fatalf("expected failures to reset to 0 on success, got %d", failures)
	}
	if interval != 30*time.Second {
		t.Fatalf("expected the tracker's own interval to win, got %v", interval)
	}
}
