package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/obsidianstack/depwatch/agent/internal/live"
	"github.com/obsidianstack/depwatch/agent/internal/notify"
	"github.com/obsidianstack/depwatch/agent/internal/source"
	"github.com/obsidianstack/depwatch/agent/internal/store"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// Default cadences.
const (
	DefaultBaseInterval        = 30 * time.Second
	DefaultAcceleratedInterval = 5 * time.Second
	DefaultReconnectDelay      = 5 * time.Second
)

// Observer receives counters and state changes, typically for metrics. Calls
// are made on the loop goroutine, except for errors from a Refresh issued
// before Start, which are reported on the caller's goroutine.
type Observer interface {
	StateChanged(State)
	LiveUpdate()
	Poll()
	Error(Kind)
	Reconnect()
}

// Options configures a Coordinator. Fetcher is required.
type Options struct {
	Fetcher source.StatusFetcher

	// Live is the push channel. Nil means polling only.
	Live live.Dialer

	// DisablePoll turns the fallback poller off.
	DisablePoll bool

	BaseInterval        time.Duration
	AcceleratedInterval time.Duration
	ReconnectDelay      time.Duration

	// Clock drives every timer. Defaults to the real clock.
	Clock clock.Clock

	Observer Observer
}

// Stats is a point-in-time view of the coordinator's counters.
type Stats struct {
	State           State
	Tracked         int
	LiveUpdates     uint64
	Polls           uint64
	FetchErrors     uint64
	ParseErrors     uint64
	EstablishErrors uint64
	Reconnects      uint64
	// NextPoll is when the poll timer will fire; zero when no poll is armed.
	NextPoll time.Time
}

// Coordinator drives the batch fetch, live channel and fallback poller for
// one store.
type Coordinator struct {
	store *store.Store
	opts  Options
	clk   clock.Clock

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan func()
	retrack  chan struct{}
	loopDone chan struct{}

	startOnce   sync.Once
	disposeOnce sync.Once
	started     atomic.Bool

	// loopG and offLoopG hold the ids of the goroutines currently allowed to
	// call subscribers, so Dispose can tell it is being called from one.
	loopG    atomic.Uint64
	offLoop  sync.Mutex
	offLoopG atomic.Uint64

	idsMu sync.Mutex
	ids   []string

	errSubs notify.Emitter[error]

	state    atomic.Int32
	nextPoll atomic.Int64 // unix nanos, 0 when unarmed
	counters struct {
		liveUpdates, polls, fetchErrs, parseErrs, establishErrs, reconnects atomic.Uint64
	}

	// Owned by the loop goroutine.
	conn         live.Conn
	connIDs      []string
	gen          uint64
	dialing      bool
	pollTimer    clock.Timer
	pollDue      time.Time
	reconnect    clock.Timer
	pollInFlight bool
}

// New creates a Coordinator writing into st. Zero durations take the package
// defaults.
func New(st *store.Store, opts Options) *Coordinator {
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = DefaultBaseInterval
	}
	if opts.AcceleratedInterval <= 0 {
		opts.AcceleratedInterval = DefaultAcceleratedInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    st,
		opts:     opts,
		clk:      opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func()),
		retrack:  make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Track replaces the set of tracked service ids. Subsequent batch fetches and
// polls request exactly these ids, and an open socket channel re-subscribes.
func (c *Coordinator) Track(ids []string) {
	next := normalizeIDs(ids)
	c.idsMu.Lock()
	c.ids = next
	c.idsMu.Unlock()

	select {
	case c.retrack <- struct{}{}:
	default:
	}
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Coordinator) trackedIDs() []string {
	c.idsMu.Lock()
	defer c.idsMu.Unlock()
	return slices.Clone(c.ids)
}

// Start launches the event loop. Cancelling ctx is equivalent to Dispose.
// Calls after the first, or after Dispose, do nothing.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.ctx.Err() != nil {
			close(c.loopDone)
			return
		}
		c.started.Store(true)
		context.AfterFunc(ctx, c.Dispose)
		go c.loop()
	})
}

// Dispose stops the coordinator: it closes the live channel, stops every
// timer and waits for the loop to exit. Fetches still in flight are discarded
// when they complete. Dispose is idempotent.
//
// Called from an error or store subscriber that the coordinator is running,
// Dispose cancels and returns at once; the loop stops as soon as the
// subscriber returns.
func (c *Coordinator) Dispose() {
	c.cancel()
	if g := goid(); g != 0 && (g == c.loopG.Load() || g == c.offLoopG.Load()) {
		if !c.started.Load() {
			c.setState(StateDisposed)
		}
		return
	}
	c.disposeOnce.Do(func() {
		// Wait out a Refresh applying before Start.
		c.offLoop.Lock()
		c.offLoop.Unlock() //nolint:staticcheck
		// Never started: nothing will close loopDone.
		c.startOnce.Do(func() { close(c.loopDone) })
		<-c.loopDone
		c.setState(StateDisposed)
		slog.Info("transport: disposed")
	})
	<-c.loopDone
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		State:           c.State(),
		Tracked:         len(c.trackedIDs()),
		LiveUpdates:     c.counters.liveUpdates.Load(),
		Polls:           c.counters.polls.Load(),
		FetchErrors:     c.counters.fetchErrs.Load(),
		ParseErrors:     c.counters.parseErrs.Load(),
		EstablishErrors: c.counters.establishErrs.Load(),
		Reconnects:      c.counters.reconnects.Load(),
	}
	if ns := c.nextPoll.Load(); ns != 0 {
		s.NextPoll = time.Unix(0, ns)
	}
	return s
}

// SubscribeErrors registers fn for every *Error the coordinator produces.
func (c *Coordinator) SubscribeErrors(fn func(error)) (unsubscribe func()) {
	return c.errSubs.Subscribe(fn)
}

// Refresh fetches a single service and applies it. source.ErrNotFound is
// returned unchanged (wrapped in *Error) and leaves the store untouched.
// Other fetch failures also go to error subscribers. A fetch that completes
// after Dispose returns ErrDisposed and is discarded.
func (c *Coordinator) Refresh(ctx context.Context, id string) (types.ServiceStatusRecord, error) {
	if c.ctx.Err() != nil {
		return types.ServiceStatusRecord{}, ErrDisposed
	}
	r, err := c.opts.Fetcher.FetchOne(ctx, id)
	var ferr *Error
	if err != nil {
		ferr = fetchError("refresh", err)
	}
	if !c.started.Load() {
		return c.refreshOffLoop(r, ferr)
	}

	if ferr != nil {
		if !errors.Is(err, source.ErrNotFound) {
			c.post(func() { c.report(ferr) })
		}
		return types.ServiceStatusRecord{}, ferr
	}
	done := make(chan struct{})
	if !c.post(func() {
		c.store.Apply(r)
		close(done)
	}) {
		return types.ServiceStatusRecord{}, ErrDisposed
	}
	select {
	case <-done:
		return r, nil
	case <-c.ctx.Done():
		return types.ServiceStatusRecord{}, ErrDisposed
	case <-ctx.Done():
		return types.ServiceStatusRecord{}, ctx.Err()
	}
}

// refreshOffLoop finishes a Refresh issued before Start. offLoop serializes
// it with Dispose so nothing is applied once Dispose has returned.
func (c *Coordinator) refreshOffLoop(r types.ServiceStatusRecord, ferr *Error) (types.ServiceStatusRecord, error) {
	c.offLoop.Lock()
	defer c.offLoop.Unlock()
	if c.ctx.Err() != nil {
		return types.ServiceStatusRecord{}, ErrDisposed
	}
	c.offLoopG.Store(goid())
	defer c.offLoopG.Store(0)

	if ferr != nil {
		if !errors.Is(ferr, source.ErrNotFound) {
			c.report(ferr)
		}
		return types.ServiceStatusRecord{}, ferr
	}
	c.store.Apply(r)
	return r, nil
}

// post hands fn to the loop. It returns false once the coordinator is
// disposed. Must not be called from the loop goroutine.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// --- loop -------------------------------------------------------------------

func (c *Coordinator) loop() {
	c.loopG.Store(goid())
	defer close(c.loopDone)
	defer c.shutdown()

	c.setState(StateBatchFetching)
	ids := c.trackedIDs()
	c.goFetch("batch", ids, c.afterBatch)

	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.events:
			if c.ctx.Err() != nil {
				return
			}
			fn()
		case <-timerC(c.pollTimer):
			c.pollTimer = nil
			c.poll()
		case <-timerC(c.reconnect):
			c.reconnect = nil
			c.reconnectNow()
		case <-c.retrack:
			c.applyTracking()
		}
	}
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func (c *Coordinator) shutdown() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.stopPoll()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.setState(StateDisposed)
	c.loopG.Store(0)
}

// goFetch batch-fetches ids on a helper goroutine and applies the result on
// the loop, then calls then (if non-nil).
func (c *Coordinator) goFetch(op string, ids []string, then func()) {
	go func() {
		recs, err := c.opts.Fetcher.FetchBatch(c.ctx, ids)
		c.post(func() {
			c.applyFetched(op, recs, err)
			if then != nil {
				then()
			}
		})
	}()
}

func (c *Coordinator) applyFetched(op string, recs []types.ServiceStatusRecord, err error) {
	if len(recs) > 0 {
		c.store.Apply(recs...)
	}
	if err != nil {
		c.report(fetchError(op, err))
	}
}

// afterBatch runs once the initial batch has been applied.
func (c *Coordinator) afterBatch() {
	if c.opts.Live == nil {
		c.armPoll(c.opts.BaseInterval)
		c.setState(StatePollingOnly)
		slog.Info("transport: no live channel, polling only", "interval", c.opts.BaseInterval)
		return
	}
	c.dial()
}

// --- live channel -----------------------------------------------------------

func (c *Coordinator) dial() {
	if c.conn != nil || c.dialing || c.opts.Live == nil || c.ctx.Err() != nil {
		return
	}
	c.dialing = true
	c.gen++
	gen := c.gen
	ids := c.trackedIDs()
	s := &sink{c: c, gen: gen}

	go func() {
		conn, err := c.opts.Live.Dial(c.ctx, ids, s)
		if !c.post(func() { c.dialed(gen, ids, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Coordinator) dialed(gen uint64, ids []string, conn live.Conn, err error) {
	if gen != c.gen {
		// The channel ended (or was superseded) before we saw it open.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.dialing = false

	if err != nil {
		slog.Warn("transport: live channel dial failed", "err", err, "retry_in", c.opts.ReconnectDelay)
		c.report(&Error{Kind: KindEstablish, Op: "dial", Err: err})
		c.scheduleReconnect()
		c.degrade(true)
		return
	}

	c.conn = conn
	c.connIDs = ids
	c.armPoll(c.opts.BaseInterval)
	c.setState(StateLive)
	slog.Info("transport: live channel open", "services", len(ids))

	c.applyTracking()
}

// applyTracking pushes the current tracked set to an open channel.
func (c *Coordinator) applyTracking() {
	if c.conn == nil {
		return
	}
	ids := c.trackedIDs()
	if slices.Equal(ids, c.connIDs) {
		return
	}
	c.connIDs = ids
	if err := c.conn.Track(ids); err != nil {
		c.report(&Error{Kind: KindEstablish, Op: "track", Err: err})
	}
}

func (c *Coordinator) onUpdate(gen uint64, r types.ServiceStatusRecord) {
	if gen != c.gen {
		return
	}
	if prev, ok := c.store.Get(r.ServiceID); ok && !r.LastCheck.IsZero() && r.LastCheck.Before(prev.LastCheck) {
		slog.Debug("transport: older observation replaces newer", "service", r.ServiceID,
			"prev", prev.LastCheck, "next", r.LastCheck)
	}
	c.store.Apply(r)
	if c.State() == StateLive {
		c.armPoll(c.opts.BaseInterval)
	}
	c.counters.liveUpdates.Add(1)
	if c.opts.Observer != nil {
		c.opts.Observer.LiveUpdate()
	}
}

func (c *Coordinator) onChanged(gen uint64, id string) {
	if gen != c.gen {
		return
	}
	go func() {
		r, err := c.opts.Fetcher.FetchOne(c.ctx, id)
		c.post(func() {
			switch {
			case errors.Is(err, source.ErrNotFound):
				slog.Debug("transport: changed service not found", "service", id)
			case err != nil:
				c.report(fetchError("refresh", err))
			default:
				c.store.Apply(r)
			}
		})
	}()
}

func (c *Coordinator) onMalformed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.report(&Error{Kind: KindParse, Op: "live", Err: err})
}

func (c *Coordinator) onFailed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	slog.Warn("transport: live channel error", "err", err)
	c.report(&Error{Kind: KindEstablish, Op: "live", Err: err})
	c.degrade(true)
}

func (c *Coordinator) onClosed(gen uint64) {
	if gen != c.gen {
		return
	}
	// Invalidate anything else this channel might still deliver.
	c.gen++
	c.conn = nil
	c.connIDs = nil
	c.dialing = false
	slog.Info("transport: live channel closed", "reconnect_in", c.opts.ReconnectDelay)
	c.scheduleReconnect()
	c.degrade(false)
}

// degrade moves to Degraded and makes sure the next poll happens no later
// than the accelerated interval from now. force re-arms even when already
// degraded.
func (c *Coordinator) degrade(force bool) {
	if force || c.State() != StateDegraded {
		c.armPollWithin(c.opts.AcceleratedInterval)
	}
	c.setState(StateDegraded)
}

func (c *Coordinator) scheduleReconnect() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = c.clk.NewTimer(c.opts.ReconnectDelay)
}

func (c *Coordinator) reconnectNow() {
	if c.conn != nil || c.dialing {
		return
	}
	c.counters.reconnects.Add(1)
	if c.opts.Observer != nil {
		c.opts.Observer.Reconnect()
	}
	slog.Info("transport: reconnecting live channel")
	c.dial()
}

// --- poller -----------------------------------------------------------------

func (c *Coordinator) poll() {
	c.pollDue = time.Time{}
	c.nextPoll.Store(0)
	if c.State() == StateLive || c.State() == StatePollingOnly {
		c.armPoll(c.opts.BaseInterval)
	} else {
		c.armPoll(c.opts.AcceleratedInterval)
	}

	if c.pollInFlight {
		slog.Debug("transport: previous poll still running, skipping")
		return
	}
	c.pollInFlight = true
	c.counters.polls.Add(1)
	if c.opts.Observer != nil {
		c.opts.Observer.Poll()
	}
	ids := c.trackedIDs()
	go func() {
		recs, err := c.opts.Fetcher.FetchBatch(c.ctx, ids)
		c.post(func() {
			c.pollInFlight = false
			c.applyFetched("poll", recs, err)
		})
	}()
}

// armPoll (re)starts the poll timer to fire d from now.
func (c *Coordinator) armPoll(d time.Duration) {
	if c.opts.DisablePoll {
		return
	}
	c.stopPoll()
	c.pollTimer = c.clk.NewTimer(d)
	c.pollDue = c.clk.Now().Add(d)
	c.nextPoll.Store(c.pollDue.UnixNano())
}

// armPollWithin re-arms only if the current deadline is later than d from now.
func (c *Coordinator) armPollWithin(d time.Duration) {
	if c.pollTimer != nil && !c.pollDue.After(c.clk.Now().Add(d)) {
		return
	}
	c.armPoll(d)
}

func (c *Coordinator) stopPoll() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
	c.pollDue = time.Time{}
	c.nextPoll.Store(0)
}

// --- helpers ----------------------------------------------------------------

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	slog.Debug("transport: state change", "from", prev, "to", s)
	if c.opts.Observer != nil {
		c.opts.Observer.StateChanged(s)
	}
}

func (c *Coordinator) report(err *Error) {
	switch err.Kind {
	case KindParse:
		c.counters.parseErrs.Add(1)
	case KindFetch:
		c.counters.fetchErrs.Add(1)
	case KindEstablish:
		c.counters.establishErrs.Add(1)
	}
	if c.opts.Observer != nil {
		c.opts.Observer.Error(err.Kind)
	}
	if err.Kind != KindEstablish {
		slog.Warn("transport: "+err.Op+" failed", "kind", err.Kind, "err", err.Err)
	}
	c.errSubs.Emit(err)
}

// goid returns the calling goroutine's id, or 0 if it cannot be read.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 42 [running]:..."
	f := bytes.Fields(bytes.TrimPrefix(buf[:n], []byte("goroutine ")))
	if len(f) == 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(f[0]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func fetchKind(err error) Kind {
	if errors.Is(err, source.ErrMalformed) {
		return KindParse
	}
	return KindFetch
}

func fetchError(op string, err error) *Error {
	return &Error{Kind: fetchKind(err), Op: op, Err: err}
}

// sink forwards channel events from a reader goroutine to the loop, tagged
// with the generation of the channel that produced them.
type sink struct {
	c   *Coordinator
	gen uint64
}

func (s *sink) Update(r types.ServiceStatusRecord) {
	s.c.post(func() { s.c.onUpdate(s.gen, r) })
}

func (s *sink) Changed(id string) {
	s.c.post(func() { s.c.onChanged(s.gen, id) })
}

func (s *sink) Malformed(err error) {
	s.c.post(func() { s.c.onMalformed(s.gen, err) })
}

func (s *sink) Failed(err error) {
	s.c.post(func() { s.c.onFailed(s.gen, err) })
}

func (s *sink) Closed() {
	s.c.post(func() { s.c.onClosed(s.gen) })
}
