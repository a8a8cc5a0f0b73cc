// Package listsync keeps an ordered, locally held collection of posts or
// comments consistent with the remote store.
//
// A Controller merges three inputs into one collection: the initial bulk
// read, writes submitted by the user, and the remote change feed. Writes are
// never applied locally; the collection only changes when the store reports
// the change back, so what is shown never runs ahead of what the store has
// accepted.
package listsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

// ErrTornDown is returned by Initialize when Teardown (or another Initialize)
// ran while the bulk read was in flight. The read result is discarded.
var ErrTornDown = errors.New("listsync: controller torn down")

// Status describes the load state of the collection.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Snapshot is an immutable view of the collection handed to the renderer.
type Snapshot struct {
	Scope      domain.Scope
	Records    []domain.Record
	Status     Status
	Err        error
	Connection domain.ConnectionState

	// Pending counts creates in flight or accepted by the store whose change
	// event has not arrived yet.
	Pending int
}

// Option configures a Controller.
type Option func(*Controller)

// WithOwner sets the user id stamped on created records.
func WithOwner(userID string) Option {
	return func(c *Controller) { c.owner = userID }
}

// WithTimeout bounds every fetch and write call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithIDGenerator makes created records carry a client-generated id. By
// default the id is left to the store's column default.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithResyncOnReconnect re-reads the collection each time the change feed
// comes back after a drop, so changes made while it was down are not lost.
func WithResyncOnReconnect() Option {
	return func(c *Controller) { c.resync = true }
}

// WithUUIDs is WithIDGenerator for tables keyed by uuid columns.
func WithUUIDs() Option {
	return WithIDGenerator(uuid.NewString)
}

// Controller owns the collection for one scope. Only one controller should
// exist per scope at a time, otherwise every event is applied twice.
type Controller struct {
	scope   domain.Scope
	fetcher domain.Fetcher
	writer  domain.Writer
	stream  domain.ChangeStream
	logger  *slog.Logger

	owner   string
	timeout time.Duration
	newID   func() string
	resync  bool

	mu         sync.Mutex
	records    []domain.Record
	status     Status
	err        error
	conn       domain.ConnectionState
	pending    map[string]struct{}
	generation uint64

	// inflight counts creates awaiting the store's answer; seen collects the
	// ids of changes applied meanwhile so a late answer is not left pending.
	inflight int
	seen     map[string]struct{}

	// connectedOnce is set after the first connect of this generation; a
	// later connect is a reconnect.
	connectedOnce bool

	// loading is set while the bulk read is in flight; events received in
	// that window are kept in buffered and replayed onto the fetched rows.
	loading  bool
	buffered []domain.Change

	sub    domain.Subscription
	cancel context.CancelFunc

	updates chan Snapshot
}

// New creates a Controller for scope. Nothing is fetched or subscribed until
// Initialize is called.
func New(
	scope domain.Scope,
	fetcher domain.Fetcher,
	writer domain.Writer,
	stream domain.ChangeStream,
	logger *slog.Logger,
	opts ...Option,
) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		scope:   scope,
		fetcher: fetcher,
		writer:  writer,
		stream:  stream,
		logger:  logger.With("scope", scope.String()),
		status:  StatusIdle,
		conn:    domain.StateIdle,
		pending: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
		updates: make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scope returns the scope this controller tracks.
func (c *Controller) Scope() domain.Scope {
	return c.scope
}

// Initialize subscribes to the change feed for the scope, reads every record
// in it, and establishes the collection. A failed read returns a
// *domain.FetchError and leaves the collection empty; a failed subscription is
// logged and only shows up in the connection state.
//
// ctx bounds the bulk read. The subscription lives until Teardown.
func (c *Controller) Initialize(ctx context.Context) (Snapshot, error) {
	if err := c.scope.Validate(); err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	c.releaseLocked()
	c.generation++
	gen := c.generation
	c.records = nil
	c.status = StatusLoading
	c.err = nil
	c.loading = true
	c.buffered = nil
	c.connectedOnce = false
	clear(c.pending)
	subCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.publishLocked()
	c.mu.Unlock()

	c.subscribe(subCtx, gen)

	c.logger.Debug("fetching records")
	fetchCtx, cancelFetch := c.withTimeout(ctx)
	records, err := c.fetcher.FetchAll(fetchCtx, c.scope)
	cancelFetch()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding fetch result after teardown", "error", err)
		return c.snapshotLocked(), ErrTornDown
	}

	c.loading = false
	buffered := c.buffered
	c.buffered = nil

	if err != nil {
		fetchErr := &domain.FetchError{Scope: c.scope, Err: err}
		c.logger.Error("initial fetch failed", "error", err, "dropped_events", len(buffered))
		c.records = nil
		c.status = StatusFailed
		c.err = fetchErr
		c.publishLocked()
		return c.snapshotLocked(), fetchErr
	}

	c.records = Normalize(records, c.scope)
	for _, change := range buffered {
		c.applyLocked(change)
	}
	c.status = StatusReady
	c.publishLocked()

	c.logger.Info("collection initialized", "records", len(c.records), "replayed_events", len(buffered))
	return c.snapshotLocked(), nil
}

// SubmitCreate asks the store to create a record with the given text. The
// record is not added locally: it appears when the store's insert event
// arrives. Until then it counts as pending under the id the store assigned.
func (c *Controller) SubmitCreate(ctx context.Context, payload string) error {
	text := strings.TrimSpace(payload)
	if text == "" {
		return &domain.ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if c.owner == "" {
		return domain.ErrNotAuthenticated
	}

	rec := domain.Record{
		OwnerID:  c.owner,
		ScopeKey: c.scope.PostID,
		Payload:  text,
	}
	if c.newID != nil {
		rec.ID = c.newID()
	}

	c.mu.Lock()
	gen := c.generation
	c.inflight++
	c.publishLocked()
	c.mu.Unlock()

	writeCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	stored, err := c.writer.Upsert(writeCtx, c.scope, rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--

	if err != nil {
		c.releaseSeenLocked()
		c.publishLocked()
		c.logger.Warn("create rejected", "id", rec.ID, "error", err)
		return &domain.WriteError{Op: "upsert", ID: rec.ID, Err: err}
	}

	id := stored.ID
	if id == "" {
		id = rec.ID
	}
	if id != "" && gen == c.generation && !c.appliedLocked(id) {
		c.pending[id] = struct{}{}
	}
	c.releaseSeenLocked()
	c.publishLocked()

	c.logger.Debug("create accepted", "id", id)
	return nil
}

// appliedLocked reports whether a change for id already reached the
// collection, so the create it answers is no longer pending.
func (c *Controller) appliedLocked(id string) bool {
	if _, ok := c.seen[id]; ok {
		return true
	}
	return indexOf(c.records, id) >= 0
}

func (c *Controller) releaseSeenLocked() {
	if c.inflight == 0 {
		clear(c.seen)
	}
}

// SubmitDelete asks the store to delete the record with the given id. The
// record stays visible until the store's delete event arrives. A failure that
// comes back after that event already removed the record is not reported.
func (c *Controller) SubmitDelete(ctx context.Context, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	writeCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.writer.Delete(writeCtx, c.scope, id); err != nil {
		c.mu.Lock()
		present := indexOf(c.records, id) >= 0
		c.mu.Unlock()

		if !present {
			c.logger.Debug("ignoring delete failure for record already removed", "id", id, "error", err)
			return nil
		}

		c.logger.Warn("delete rejected", "id", id, "error", err)
		return &domain.WriteError{Op: "delete", ID: id, Err: err}
	}

	c.logger.Debug("delete accepted", "id", id)
	return nil
}

// OnRemoteEvent applies a change to the collection. It is what the
// subscription feeds; callers holding their own feed can use it directly.
func (c *Controller) OnRemoteEvent(change domain.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handleLocked(change)
}

// Teardown releases the subscription and discards any bulk read still in
// flight. It is safe to call at any time and more than once.
func (c *Controller) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	changed := false
	if c.status == StatusLoading {
		c.status = StatusIdle
		changed = true
	}
	if c.releaseLocked() {
		c.conn = domain.StateClosed
		changed = true
	}
	if changed {
		c.publishLocked()
	}
}

// Snapshot returns the current view of the collection.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Updates yields a snapshot after every change. Only the latest snapshot is
// kept; a slow reader skips intermediate ones.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// ConnectionState returns the state of the change-feed subscription.
func (c *Controller) ConnectionState() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) subscribe(ctx context.Context, gen uint64) {
	c.setConnection(gen, domain.StateConnecting)

	sub, err := c.stream.Subscribe(ctx, c.scope)
	if err != nil {
		c.logger.Warn("subscribe failed", "error", &domain.StreamError{Err: err})
		c.setConnection(gen, domain.StateDisconnected)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.sub = sub
	c.mu.Unlock()

	go c.pump(gen, sub)
}

// pump drains the subscription until both of its channels are closed.
func (c *Controller) pump(gen uint64, sub domain.Subscription) {
	events, states := sub.Events(), sub.States()
	for events != nil || states != nil {
		select {
		case change, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.mu.Lock()
			if gen == c.generation {
				c.handleLocked(change)
			}
			c.mu.Unlock()

		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.setConnection(gen, state)
		}
	}
}

func (c *Controller) handleLocked(change domain.Change) {
	if c.inflight > 0 {
		c.seen[change.RecordID()] = struct{}{}
	}
	if c.loading {
		c.buffered = append(c.buffered, change)
		return
	}
	c.applyLocked(change)
	c.publishLocked()
}

func (c *Controller) applyLocked(change domain.Change) {
	c.records = Apply(c.records, change, c.scope)
	delete(c.pending, change.RecordID())
}

func (c *Controller) setConnection(gen uint64, state domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.conn == state {
		return
	}
	c.logger.Info("connection state changed", "from", c.conn, "to", state)
	c.conn = state
	c.publishLocked()

	if state == domain.StateConnected {
		if c.connectedOnce && c.resync {
			go c.refetch(gen)
		}
		c.connectedOnce = true
	}
}

// refetch re-reads the collection while keeping the subscription. Events
// that arrive meanwhile are buffered and replayed onto the fresh rows. A
// failed read keeps the current collection.
func (c *Controller) refetch(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.loading {
		c.mu.Unlock()
		return
	}
	c.loading = true
	c.mu.Unlock()

	c.logger.Debug("resyncing after reconnect")
	ctx, cancel := c.withTimeout(context.Background())
	records, err := c.fetcher.FetchAll(ctx, c.scope)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	c.loading = false
	buffered := c.buffered
	c.buffered = nil

	if err != nil {
		c.logger.Warn("resync failed, keeping current collection", "error", err)
		for _, change := range buffered {
			c.applyLocked(change)
		}
		c.publishLocked()
		return
	}

	c.records = Normalize(records, c.scope)
	for _, change := range buffered {
		c.applyLocked(change)
	}
	for id := range c.pending {
		if indexOf(c.records, id) >= 0 {
			delete(c.pending, id)
		}
	}
	c.status = StatusReady
	c.err = nil
	c.publishLocked()

	c.logger.Info("collection resynced", "records", len(c.records), "replayed_events", len(buffered))
}

// releaseLocked cancels the active subscription, if any, and reports whether
// there was one to cancel.
func (c *Controller) releaseLocked() bool {
	sub, cancel := c.sub, c.cancel
	c.sub, c.cancel = nil, nil
	c.loading = false
	c.buffered = nil

	if cancel == nil && sub == nil {
		return false
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("close subscription", "error", err)
		}
	}
	return true
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Scope:      c.scope,
		Records:    slices.Clone(c.records),
		Status:     c.status,
		Err:        c.err,
		Connection: c.conn,
		Pending:    len(c.pending) + c.inflight,
	}
}

// publishLocked replaces any unread snapshot with the current one.
func (c *Controller) publishLocked() {
	snap := c.snapshotLocked()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}
