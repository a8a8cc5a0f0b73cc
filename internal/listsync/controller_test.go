package listsync

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

type fakeFetcher struct {
	records []domain.Record
	err     error

	// gate, when set, blocks FetchAll until it is closed.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) FetchAll(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.records, f.err
}

type fakeWriter struct {
	mu       sync.Mutex
	upserted []domain.Record
	deleted  []string
	err      error

	// nextID is assigned to upserted records that arrive without an id, the
	// way a serial column default would.
	nextID int

	// onUpsert and onDelete run before the call returns, to simulate events
	// racing the ack.
	onUpsert func(rec domain.Record)
	onDelete func(id string)
}

func (w *fakeWriter) Upsert(ctx context.Context, scope domain.Scope, rec domain.Record) (domain.Record, error) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return domain.Record{}, w.err
	}
	if rec.ID == "" {
		w.nextID++
		rec.ID = strconv.Itoa(w.nextID)
	}
	w.upserted = append(w.upserted, rec)
	hook := w.onUpsert
	w.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return rec, nil
}

func (w *fakeWriter) Delete(ctx context.Context, scope domain.Scope, id string) error {
	if w.onDelete != nil {
		w.onDelete(id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, id)
	return w.err
}

type fakeSubscription struct {
	events chan domain.Change
	states chan domain.ConnectionState
	once   sync.Once
	closed chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan domain.Change, 16),
		states: make(chan domain.ConnectionState, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSubscription) Events() <-chan domain.Change           { return s.events }
func (s *fakeSubscription) States() <-chan domain.ConnectionState { return s.states }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		close(s.closed)
		close(s.events)
		close(s.states)
	})
	return nil
}

type fakeStream struct {
	mu     sync.Mutex
	subs   []*fakeSubscription
	scopes []domain.Scope
	err    error
}

func (s *fakeStream) Subscribe(ctx context.Context, scope domain.Scope) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, scope)
	if s.err != nil {
		return nil, s.err
	}
	sub := newFakeSubscription()
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeStream) last() *fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[len(s.subs)-1]
}

// waitFor polls the controller until cond holds or the deadline passes.
func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestController(scope domain.Scope, f *fakeFetcher, w *fakeWriter, s *fakeStream) *Controller {
	return New(scope, f, w, s, nil,
		WithOwner("user-1"),
		WithTimeout(time.Second),
		WithIDGenerator(func() string { return "a" }),
	)
}

func TestInitialize(t *testing.T) {
	fetcher := &fakeFetcher{records: []domain.Record{
		post("old", t0, "old"),
		post("new", t0.Add(time.Hour), "new"),
	}}
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), fetcher, &fakeWriter{}, stream)
	defer c.Teardown()

	snap, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, []string{"new", "old"}, ids(snap.Records))
	assert.Equal(t, []domain.Scope{domain.PostsScope()}, stream.scopes)

	stream.last().states <- domain.StateConnected
	waitFor(t, c, func(s Snapshot) bool { return s.Connection == domain.StateConnected })
	assert.Equal(t, domain.StateConnected, c.ConnectionState())
}

func TestInitializeRejectsInvalidScope(t *testing.T) {
	stream := &fakeStream{}
	c := newTestController(domain.CommentsScope(""), &fakeFetcher{}, &fakeWriter{}, stream)

	_, err := c.Initialize(context.Background())
	var verr *domain.ValidationError
	assert.Equal(t, errors.As(err, &verr), true)
	assert.Equal(t, 0, len(stream.scopes))
}

func TestScenarioCreate(t *testing.T) {
	writer := &fakeWriter{}
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, writer, stream)
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	err = c.SubmitCreate(context.Background(), "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(writer.upserted))
	assert.Equal(t, "a", writer.upserted[0].ID)
	assert.Equal(t, "user-1", writer.upserted[0].OwnerID)

	// nothing is appended before the store reports the insert
	snap := c.Snapshot()
	assert.Equal(t, 0, len(snap.Records))
	assert.Equal(t, 1, snap.Pending)

	stream.last().events <- insert(post("a", t0, "hello"))
	snap = waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 1 })
	assert.Equal(t, "a", snap.Records[0].ID)
	assert.Equal(t, "hello", snap.Records[0].Payload)
	assert.Equal(t, 0, snap.Pending)
}

func TestRemoteWinsOverPendingCreate(t *testing.T) {
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, &fakeWriter{}, stream)
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	assert.Equal(t, c.SubmitCreate(context.Background(), "P"), nil)

	stream.last().events <- insert(post("a", t0, "P-prime"))
	snap := waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 1 })
	assert.Equal(t, "P-prime", snap.Records[0].Payload)
}

func TestSubmitCreateValidation(t *testing.T) {
	writer := &fakeWriter{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, writer, &fakeStream{})

	for _, payload := range []string{"", "   ", "\n\t"} {
		err := c.SubmitCreate(context.Background(), payload)
		var verr *domain.ValidationError
		assert.Equal(t, errors.As(err, &verr), true)
	}
	assert.Equal(t, 0, len(writer.upserted))
}

func TestSubmitCreateRequiresOwner(t *testing.T) {
	writer := &fakeWriter{}
	c := New(domain.PostsScope(), &fakeFetcher{}, writer, &fakeStream{}, nil)

	err := c.SubmitCreate(context.Background(), "hello")
	assert.Equal(t, errors.Is(err, domain.ErrNotAuthenticated), true)
	assert.Equal(t, 0, len(writer.upserted))
}

func TestSubmitCreateWriteError(t *testing.T) {
	cause := errors.New("permission denied")
	writer := &fakeWriter{err: cause}
	c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("x", t0, "x")}}, writer, &fakeStream{})
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	err = c.SubmitCreate(context.Background(), "hello")
	var werr *domain.WriteError
	assert.Equal(t, errors.As(err, &werr), true)
	assert.Equal(t, "upsert", werr.Op)
	assert.Equal(t, errors.Is(err, cause), true)

	snap := c.Snapshot()
	assert.Equal(t, []string{"x"}, ids(snap.Records))
	assert.Equal(t, 0, snap.Pending)
}

func TestSubmitDeleteWaitsForEvent(t *testing.T) {
	writer := &fakeWriter{}
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("a", t0, "a")}}, writer, stream)
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	assert.Equal(t, c.SubmitDelete(context.Background(), "a"), nil)
	assert.Equal(t, []string{"a"}, writer.deleted)
	assert.Equal(t, []string{"a"}, ids(c.Snapshot().Records))

	stream.last().events <- del("a")
	waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 0 })
}

func TestScenarioDeleteRace(t *testing.T) {
	for _, ackErr := range []error{nil, errors.New("network down")} {
		writer := &fakeWriter{err: ackErr}
		c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("a", t0, "a")}}, writer, &fakeStream{})

		_, err := c.Initialize(context.Background())
		assert.Equal(t, err, nil)

		// the delete event lands before the write acknowledgment returns
		writer.onDelete = func(id string) { c.OnRemoteEvent(del(id)) }

		err = c.SubmitDelete(context.Background(), "a")
		assert.Equal(t, err, nil)
		assert.Equal(t, 0, len(c.Snapshot().Records))
		c.Teardown()
	}
}

func TestSubmitDeleteWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("row level security")}
	c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("a", t0, "a")}}, writer, &fakeStream{})
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	err = c.SubmitDelete(context.Background(), "a")
	var werr *domain.WriteError
	assert.Equal(t, errors.As(err, &werr), true)
	assert.Equal(t, "delete", werr.Op)
	assert.Equal(t, "a", werr.ID)
	assert.Equal(t, []string{"a"}, ids(c.Snapshot().Records))
}

func TestScenarioFetchFailure(t *testing.T) {
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{err: errors.New("timeout")}, &fakeWriter{}, stream)
	defer c.Teardown()

	before := c.ConnectionState()
	snap, err := c.Initialize(context.Background())

	var ferr *domain.FetchError
	assert.Equal(t, errors.As(err, &ferr), true)
	assert.Equal(t, domain.PostsScope(), ferr.Scope)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 0, len(snap.Records))

	// the subscription was still attempted and its state is untouched by the failure
	assert.Equal(t, 1, len(stream.scopes))
	assert.NotEqual(t, domain.StateDisconnected, snap.Connection)
	assert.Equal(t, domain.StateIdle, before)
}

func TestSubscribeFailureDoesNotAbort(t *testing.T) {
	stream := &fakeStream{err: errors.New("dial refused")}
	c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("a", t0, "a")}}, &fakeWriter{}, stream)
	defer c.Teardown()

	snap, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"a"}, ids(snap.Records))
	assert.Equal(t, domain.StateDisconnected, snap.Connection)
}

func TestEventsDuringFetchAreReplayed(t *testing.T) {
	fetcher := &fakeFetcher{
		records: []domain.Record{post("a", t0, "a"), post("b", t0.Add(-time.Hour), "b")},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), fetcher, &fakeWriter{}, stream)
	defer c.Teardown()

	done := make(chan error, 1)
	go func() {
		_, err := c.Initialize(context.Background())
		done <- err
	}()

	<-fetcher.started
	sub := stream.last()
	sub.events <- insert(post("c", t0.Add(time.Hour), "c"))
	sub.events <- del("b")
	sub.events <- insert(post("a", t0, "a"))

	// wait until the pump has buffered all three before releasing the fetch
	deadline := time.Now().Add(2 * time.Second)
	for len(sub.events) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(fetcher.gate)

	assert.Equal(t, <-done, nil)
	snap := waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 2 })
	assert.Equal(t, []string{"c", "a"}, ids(snap.Records))
}

func TestTeardownDiscardsInFlightFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		records: []domain.Record{post("a", t0, "a")},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), fetcher, &fakeWriter{}, stream)

	done := make(chan error, 1)
	go func() {
		_, err := c.Initialize(context.Background())
		done <- err
	}()

	<-fetcher.started
	c.Teardown()
	close(fetcher.gate)

	assert.Equal(t, <-done, ErrTornDown)
	snap := c.Snapshot()
	assert.Equal(t, 0, len(snap.Records))
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, domain.StateClosed, c.ConnectionState())

	select {
	case <-stream.last().closed:
	default:
		t.Fatal("subscription was not closed")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, &fakeWriter{}, &fakeStream{})

	// before Initialize
	c.Teardown()
	c.Teardown()
	assert.Equal(t, domain.StateIdle, c.ConnectionState())

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)
	c.Teardown()
	c.Teardown()
	assert.Equal(t, domain.StateClosed, c.ConnectionState())
}

func TestEventsAfterTeardownIgnored(t *testing.T) {
	stream := &fakeStream{}
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, &fakeWriter{}, stream)

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)
	first := stream.last()

	// reinitializing closes the first subscription
	_, err = c.Initialize(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(stream.scopes))

	select {
	case <-first.closed:
	default:
		t.Fatal("previous subscription was not closed")
	}

	stream.last().events <- insert(post("b", t0, "b"))
	snap := waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 1 })
	assert.Equal(t, "b", snap.Records[0].ID)
	c.Teardown()
}

func TestUpdatesKeepsLatest(t *testing.T) {
	c := newTestController(domain.PostsScope(), &fakeFetcher{}, &fakeWriter{}, &fakeStream{})
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	c.OnRemoteEvent(insert(post("a", t0, "a")))
	c.OnRemoteEvent(insert(post("b", t0.Add(time.Hour), "b")))

	var latest Snapshot
	select {
	case latest = <-c.Updates():
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	assert.Equal(t, []string{"b", "a"}, ids(latest.Records))
}

func TestSnapshotIsImmutable(t *testing.T) {
	c := newTestController(domain.PostsScope(), &fakeFetcher{records: []domain.Record{post("a", t0, "a")}}, &fakeWriter{}, &fakeStream{})
	defer c.Teardown()

	snap, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	snap.Records[0].Payload = "mutated by renderer"
	assert.Equal(t, "a", c.Snapshot().Records[0].Payload)
}

func TestSubmitCreateLeavesIDToStore(t *testing.T) {
	writer := &fakeWriter{nextID: 40}
	stream := &fakeStream{}
	c := New(domain.CommentsScope("7"), &fakeFetcher{}, writer, stream, nil, WithOwner("user-1"))
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	assert.Equal(t, c.SubmitCreate(context.Background(), "first!"), nil)
	assert.Equal(t, 1, len(writer.upserted))
	assert.Equal(t, "41", writer.upserted[0].ID)
	assert.Equal(t, "7", writer.upserted[0].ScopeKey)
	assert.Equal(t, 1, c.Snapshot().Pending)

	stream.last().events <- insert(domain.Record{ID: "41", OwnerID: "user-1", ScopeKey: "7", Payload: "first!"})
	snap := waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 1 })
	assert.Equal(t, "41", snap.Records[0].ID)
	assert.Equal(t, 0, snap.Pending)
}

func TestSubmitCreateEventBeforeAck(t *testing.T) {
	writer := &fakeWriter{}
	c := New(domain.PostsScope(), &fakeFetcher{}, writer, &fakeStream{}, nil, WithOwner("user-1"))
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	// the insert lands and is deleted again before the write returns
	writer.onUpsert = func(rec domain.Record) {
		c.OnRemoteEvent(insert(post(rec.ID, t0, rec.Payload)))
		c.OnRemoteEvent(del(rec.ID))
	}

	assert.Equal(t, c.SubmitCreate(context.Background(), "short lived"), nil)
	snap := c.Snapshot()
	assert.Equal(t, 0, len(snap.Records))
	assert.Equal(t, 0, snap.Pending)
}

type changingFetcher struct {
	mu      sync.Mutex
	records []domain.Record
	calls   int
}

func (f *changingFetcher) FetchAll(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return slices.Clone(f.records), nil
}

func (f *changingFetcher) set(records ...domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func TestResyncAfterReconnect(t *testing.T) {
	fetcher := &changingFetcher{records: []domain.Record{post("a", t0, "a")}}
	stream := &fakeStream{}
	c := New(domain.PostsScope(), fetcher, &fakeWriter{}, stream, nil, WithResyncOnReconnect())
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	sub := stream.last()
	sub.states <- domain.StateConnected
	waitFor(t, c, func(s Snapshot) bool { return s.Connection == domain.StateConnected })

	// "b" was created while the feed was down
	fetcher.set(post("a", t0, "a"), post("b", t0.Add(time.Hour), "b"))
	sub.states <- domain.StateDisconnected
	sub.states <- domain.StateConnecting
	sub.states <- domain.StateConnected

	snap := waitFor(t, c, func(s Snapshot) bool { return len(s.Records) == 2 })
	assert.Equal(t, []string{"b", "a"}, ids(snap.Records))
	assert.Equal(t, StatusReady, snap.Status)
}

func TestNoResyncWithoutOption(t *testing.T) {
	fetcher := &changingFetcher{}
	stream := &fakeStream{}
	c := New(domain.PostsScope(), fetcher, &fakeWriter{}, stream, nil)
	defer c.Teardown()

	_, err := c.Initialize(context.Background())
	assert.Equal(t, err, nil)

	sub := stream.last()
	sub.states <- domain.StateConnected
	sub.states <- domain.StateDisconnected
	sub.states <- domain.StateConnected
	waitFor(t, c, func(s Snapshot) bool { return s.Connection == domain.StateConnected })

	// give a stray refetch goroutine the chance to run
	time.Sleep(20 * time.Millisecond)
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, 1, fetcher.calls)
}
