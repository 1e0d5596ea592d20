// Package reconcile merges contract events and block ticks into the cache so
// the local copy converges on ledger state without polling everything.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/metrics"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
)

// Config tunes how eagerly reconciliation turns events into ledger reads.
type Config struct {
	// UnknownIssuanceThreshold is how many unseen issuances a scope absorbs
	// as counter bumps before the reconciler fetches the records behind them.
	UnknownIssuanceThreshold int
	// SampleSize caps how many non-finalized records are re-read per block
	// tick.
	SampleSize int
	// RecordTTL matches the fetch layer's cache lifetime for merged entries.
	RecordTTL time.Duration
	// RefetchTimeout bounds the background reads a tick or threshold trips.
	RefetchTimeout time.Duration
	// BurnGrace is how long a burned record stays visible, flagged Burning,
	// before it leaves views and the cache. Must match the lifecycle
	// coordinator's grace so both cleanup paths agree.
	BurnGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.UnknownIssuanceThreshold <= 0 {
		c.UnknownIssuanceThreshold = 5
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 8
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 5 * time.Minute
	}
	if c.RefetchTimeout <= 0 {
		c.RefetchTimeout = 15 * time.Second
	}
	if c.BurnGrace <= 0 {
		c.BurnGrace = 8 * time.Second
	}
}

// seenHorizon is how many blocks a processed event signal is remembered for
// duplicate suppression. Providers replay events near their original block,
// so older signals can be forgotten instead of accumulating forever.
const seenHorizon = 64

// signal identifies one event delivery for duplicate suppression. Providers
// replay events across reconnects, so the same (event, id, block) triple can
// arrive more than once.
type signal struct {
	name  ledger.EventName
	id    uint64
	block uint64
}

// scopeTracker accumulates issuances a subscribed scope has heard about but
// not yet loaded. Multiple watchers may share one tracker.
type scopeTracker struct {
	scope   models.Scope
	unknown []uint64
	refs    int
}

// matches reports whether an issuance event lands inside the scope's window.
func (t *scopeTracker) matches(ev ledger.Event) bool {
	switch t.scope.Role {
	case models.RoleAdmin:
		return true
	case models.RoleHolder:
		return ev.Student == t.scope.Address
	case models.RoleInstitution:
		return ev.Institution == t.scope.Address
	}
	return false
}

// Reconciler consumes ledger events and block ticks, merging them into cached
// records idempotently and monotonically. It never blocks the event source:
// anything requiring a remote read runs in a background goroutine.
type Reconciler struct {
	ledger  ledger.Client
	orch    *fetch.Orchestrator
	store   cache.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu      sync.Mutex
	subs    []ledger.SubscriptionID
	scopes  map[string]*scopeTracker
	handles map[string]string
	seen    map[signal]struct{}
	watch   map[uint64]struct{}
	started bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReconciler wires a reconciler. metrics may be nil.
func NewReconciler(
	lc ledger.Client,
	orch *fetch.Orchestrator,
	store cache.Store,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		ledger:  lc,
		orch:    orch,
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		scopes:  make(map[string]*scopeTracker),
		handles: make(map[string]string),
		seen:    make(map[signal]struct{}),
		watch:   make(map[uint64]struct{}),
		done:    make(chan struct{}),
	}
}

// Start registers the event and block handlers. Idempotent.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for _, name := range []ledger.EventName{
		ledger.EventIssued,
		ledger.EventVerified,
		ledger.EventRevoked,
		ledger.EventStatusChanged,
		ledger.EventBurnRequested,
		ledger.EventBurnCancelled,
		ledger.EventBurnApproved,
		ledger.EventBurned,
	} {
		r.subs = append(r.subs, r.ledger.On(name, r.handleEvent))
	}
	r.subs = append(r.subs, r.ledger.OnBlock(r.handleBlock))
	r.orch.SetRecordObserver(r.observeRecord)
}

// observeRecord feeds every record the orchestrator fetches into the
// block-tick sampling set. Records issued before this process started have no
// issuance event to announce them; they join the watch set the first time a
// view or record load touches them.
func (r *Reconciler) observeRecord(record models.CertificateRecord) {
	if finalized(record) {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.watch[record.ID] = struct{}{}
	}
	r.mu.Unlock()
}

// Watch registers a scope whose views should track issuance events. The
// returned handle is opaque; several watchers may share one scope.
func (r *Reconciler) Watch(scope models.Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	key := scope.Key()
	handle := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return handle, nil
	}
	tracker, ok := r.scopes[key]
	if !ok {
		tracker = &scopeTracker{scope: scope}
		r.scopes[key] = tracker
	}
	tracker.refs++
	r.handles[handle] = key
	return handle, nil
}

// Unwatch releases a handle from Watch. The scope stops tracking once its
// last watcher is gone.
func (r *Reconciler) Unwatch(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.handles[handle]
	if !ok {
		return
	}
	delete(r.handles, handle)
	if tracker, ok := r.scopes[key]; ok {
		tracker.refs--
		if tracker.refs <= 0 {
			delete(r.scopes, key)
		}
	}
}

// Close tears the reconciler down: handlers are unregistered, in-flight
// background reads are drained, and no further cache writes happen.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	close(r.done)
	for _, id := range subs {
		r.ledger.Off(id)
	}
	r.wg.Wait()
}

func (r *Reconciler) handleEvent(ev ledger.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	sig := signal{name: ev.Name, id: ev.CertificateID, block: ev.Block}
	if _, dup := r.seen[sig]; dup {
		r.mu.Unlock()
		r.metrics.IncEventDropped()
		return
	}
	r.seen[sig] = struct{}{}
	r.mu.Unlock()

	switch ev.Name {
	case ledger.EventIssued:
		r.handleIssued(ev)
	case ledger.EventVerified:
		r.mergeStatus(ev, models.StatusVerified)
	case ledger.EventRevoked:
		r.mergeStatus(ev, models.StatusRevoked)
	case ledger.EventStatusChanged:
		// The event does not carry the target state; re-read the record.
		r.refetch(ev.CertificateID)
	case ledger.EventBurnRequested:
		r.mergeBurn(ev, models.BurnRequested)
	case ledger.EventBurnCancelled:
		r.mergeBurn(ev, models.BurnNone)
	case ledger.EventBurnApproved:
		r.mergeBurn(ev, models.BurnApproved)
	case ledger.EventBurned:
		r.handleBurned(ev)
	}
}

// handleIssued counts the new record against every matching scope. Below the
// threshold this is bookkeeping only; at the threshold the accumulated ids
// are fetched so the next render has them warm.
func (r *Reconciler) handleIssued(ev ledger.Event) {
	r.metrics.IncEventApplied()

	var refetch []uint64
	r.mu.Lock()
	r.watch[ev.CertificateID] = struct{}{}
	var touched []string
	for key, tracker := range r.scopes {
		if !tracker.matches(ev) {
			continue
		}
		touched = append(touched, key)
		tracker.unknown = append(tracker.unknown, ev.CertificateID)
		if len(tracker.unknown) >= r.cfg.UnknownIssuanceThreshold {
			refetch = append(refetch, tracker.unknown...)
			tracker.unknown = nil
		}
	}
	r.mu.Unlock()

	for _, key := range touched {
		r.orch.BumpKnownTotal(key, 1)
		r.orch.MarkStale(key)
	}
	if len(refetch) > 0 {
		r.background(func(ctx context.Context) {
			for _, id := range refetch {
				if _, err := r.orch.LoadRecord(ctx, id); err != nil {
					r.logger.WarnContext(ctx, "issuance refetch failed", "certificate_id", id, "error", err)
				}
			}
			r.store.InvalidateByPrefix(ctx, cache.PrefixList)
		})
	}
}

// mergeStatus applies a verification transition to the cached record. Absent
// records are left alone: the next fetch reads the settled state anyway.
// Confirmation also settles an optimistic entry for the same transition.
func (r *Reconciler) mergeStatus(ev ledger.Event, next models.Status) {
	ctx := context.Background()
	entry, ok := cache.GetRecord(ctx, r.store, ev.CertificateID)
	if !ok {
		r.metrics.IncEventDropped()
		return
	}
	record := entry.Record
	if !record.ApplyStatus(next) {
		if entry.Optimistic && record.Status == next {
			// The write we speculated on confirmed; settle the entry.
			r.writeConfirmed(ctx, record)
			return
		}
		r.metrics.IncEventDropped()
		return
	}
	r.writeConfirmed(ctx, record)
	r.markScopesStale(ev)
}

// mergeBurn applies a burn-axis transition to the cached record.
func (r *Reconciler) mergeBurn(ev ledger.Event, next models.BurnState) {
	ctx := context.Background()
	entry, ok := cache.GetRecord(ctx, r.store, ev.CertificateID)
	if !ok {
		r.metrics.IncEventDropped()
		return
	}
	record := entry.Record
	if !record.ApplyBurn(next) {
		if entry.Optimistic && record.Burn == next {
			r.writeConfirmed(ctx, record)
			return
		}
		r.metrics.IncEventDropped()
		return
	}
	r.writeConfirmed(ctx, record)
	r.markScopesStale(ev)

	if next == models.BurnNone {
		r.store.Invalidate(ctx, cache.BurnRequestKey(ev.CertificateID))
	}
}

// handleBurned finalizes a burn: burn-request tracking is dropped, sampling
// stops, and the record stays visible with the Burning flag until the display
// grace period elapses, only then leaving views and the cache.
func (r *Reconciler) handleBurned(ev ledger.Event) {
	ctx := context.Background()
	r.store.Invalidate(ctx, cache.BurnRequestKey(ev.CertificateID))
	r.mu.Lock()
	delete(r.watch, ev.CertificateID)
	r.mu.Unlock()
	r.metrics.IncEventApplied()

	if entry, ok := cache.GetRecord(ctx, r.store, ev.CertificateID); ok {
		record := entry.Record
		if record.Burn == models.BurnBurned && record.Burning {
			// A local transition already applied the burn and owns the
			// grace-period cleanup; scheduling a second one would race it.
			return
		}
		record.ApplyBurn(models.BurnBurned)
		record.Burning = true
		r.writeConfirmed(ctx, record)
	}
	r.scheduleBurnRemoval(ev.CertificateID)
}

// scheduleBurnRemoval drops a burned record from views and cache once the
// display grace period has elapsed. The timer never blocks the event source.
func (r *Reconciler) scheduleBurnRemoval(id uint64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(r.cfg.BurnGrace):
		case <-r.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RefetchTimeout)
		defer cancel()
		r.orch.RemoveFromViews(ctx, id)
		r.store.Invalidate(ctx, cache.RecordKey(id))
	}()
}

// handleBlock prunes stale duplicate-suppression signals and re-reads a
// bounded sample of non-finalized records so records whose events were missed
// still converge.
func (r *Reconciler) handleBlock(height uint64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if height >= seenHorizon {
		floor := height - seenHorizon
		for sig := range r.seen {
			if sig.block < floor {
				delete(r.seen, sig)
			}
		}
	}
	if len(r.watch) == 0 {
		r.mu.Unlock()
		return
	}
	sample := make([]uint64, 0, r.cfg.SampleSize)
	for id := range r.watch {
		sample = append(sample, id)
		if len(sample) == r.cfg.SampleSize {
			break
		}
	}
	r.mu.Unlock()

	r.background(func(ctx context.Context) {
		for _, id := range sample {
			record, err := r.orch.Refresh(ctx, id)
			if err != nil {
				r.logger.WarnContext(ctx, "block sample refresh failed",
					"certificate_id", id, "height", height, "error", err)
				continue
			}
			if finalized(record) {
				r.mu.Lock()
				delete(r.watch, id)
				r.mu.Unlock()
			}
		}
	})
}

// finalized reports whether a record has left every transitional state and no
// longer needs block-tick sampling.
func finalized(record models.CertificateRecord) bool {
	if record.Burn == models.BurnBurned {
		return true
	}
	if record.Burn != models.BurnNone {
		return false
	}
	return record.Status != models.StatusPending
}

func (r *Reconciler) refetch(id uint64) {
	r.background(func(ctx context.Context) {
		if _, err := r.orch.Refresh(ctx, id); err != nil {
			r.logger.WarnContext(ctx, "event refetch failed", "certificate_id", id, "error", err)
			return
		}
		r.metrics.IncEventApplied()
	})
}

func (r *Reconciler) writeConfirmed(ctx context.Context, record models.CertificateRecord) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	cache.SetRecord(ctx, r.store, cache.Confirmed(record), r.cfg.RecordTTL)
	r.metrics.IncEventApplied()
}

func (r *Reconciler) markScopesStale(ev ledger.Event) {
	r.mu.Lock()
	var touched []string
	for key, tracker := range r.scopes {
		if tracker.matches(ev) {
			touched = append(touched, key)
		}
	}
	r.mu.Unlock()
	for _, key := range touched {
		r.orch.MarkStale(key)
	}
}

// background runs fn on a fresh goroutine with the configured timeout,
// tracked so Close can drain it.
func (r *Reconciler) background(fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RefetchTimeout)
		defer cancel()
		fn(ctx)
	}()
}
