package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/metrics"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	"github.com/midoo12345/soulbound-nft-sub001/internal/metadata"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Config bounds the orchestrator's appetite for ledger reads.
type Config struct {
	// BatchSize is the default page size for view loads.
	BatchSize int
	// Concurrency caps parallel record fetches within one batch.
	Concurrency int
	// FallbackWindow bounds the scan-and-filter fallback when the ledger
	// lacks issuer-scoped enumeration.
	FallbackWindow uint64
	// ReadsPerSecond and Burst configure the ledger read rate limiter.
	ReadsPerSecond rate.Limit
	Burst          int

	RecordTTL time.Duration
	ListTTL   time.Duration
	// CallTimeout bounds any individual remote call so a hung read counts
	// as failed instead of stalling the whole batch.
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 12
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FallbackWindow == 0 {
		c.FallbackWindow = 500
	}
	if c.ReadsPerSecond <= 0 {
		c.ReadsPerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 5 * time.Minute
	}
	if c.ListTTL <= 0 {
		c.ListTTL = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
}

// ViewRequest asks for the next page of a scoped list view.
type ViewRequest struct {
	Scope    models.Scope
	PageSize int
	// Reset discards the accumulated view and starts from the beginning.
	Reset bool
}

// PartialLoadError annotates a view load where some batch items failed but
// the rest are usable.
type PartialLoadError struct {
	FailedIDs []uint64
}

func (e *PartialLoadError) Error() string {
	return fmt.Sprintf("%d batch items failed: %v", len(e.FailedIDs), e.FailedIDs)
}

// Orchestrator turns logical view/record requests into bounded sequences of
// ledger reads, with deduplication, batching and cache population.
type Orchestrator struct {
	ledger   ledger.Client
	resolver metadata.Resolver
	store    cache.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	flight   singleflight.Group
	cfg      Config

	mu       sync.Mutex
	views    map[string]models.ViewState
	gens     map[string]uint64
	observer func(models.CertificateRecord)
}

// SetRecordObserver registers a callback invoked for every record fetched
// from the ledger. The reconciler uses it to keep non-finalized records in
// its block-tick sampling set even when their issuance predates this process.
func (o *Orchestrator) SetRecordObserver(fn func(models.CertificateRecord)) {
	o.mu.Lock()
	o.observer = fn
	o.mu.Unlock()
}

// NewOrchestrator wires a fetch orchestrator. metrics may be nil.
func NewOrchestrator(
	lc ledger.Client,
	resolver metadata.Resolver,
	store cache.Store,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		ledger:   lc,
		resolver: resolver,
		store:    store,
		logger:   logger,
		metrics:  m,
		limiter:  rate.NewLimiter(cfg.ReadsPerSecond, cfg.Burst),
		cfg:      cfg,
		views:    make(map[string]models.ViewState),
		gens:     make(map[string]uint64),
	}
}

// LoadRecord returns the full record for id, cache-first. Concurrent callers
// for the same id share a single underlying ledger fetch. Metadata resolution
// is best-effort: on failure the record ships with MetadataLoaded false.
func (o *Orchestrator) LoadRecord(ctx context.Context, id uint64) (models.CertificateRecord, error) {
	if entry, ok := cache.GetRecord(ctx, o.store, id); ok {
		o.metrics.IncCacheHit()
		return entry.Record, nil
	}
	o.metrics.IncCacheMiss()

	value, err, shared := o.flight.Do(strconv.FormatUint(id, 10), func() (any, error) {
		return o.fetchRecord(ctx, id)
	})
	if shared {
		o.metrics.IncDedupedFetch()
	}
	if err != nil {
		return models.CertificateRecord{}, err
	}
	return value.(models.CertificateRecord), nil
}

// Refresh drops the cached copy and re-fetches from the ledger.
func (o *Orchestrator) Refresh(ctx context.Context, id uint64) (models.CertificateRecord, error) {
	o.store.Invalidate(ctx, cache.RecordKey(id))
	return o.LoadRecord(ctx, id)
}

func (o *Orchestrator) fetchRecord(ctx context.Context, id uint64) (models.CertificateRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	if err := o.limiter.Wait(callCtx); err != nil {
		return models.CertificateRecord{}, dErrors.Wrap(dErrors.CodeConnectivity, "ledger read throttled out", err)
	}
	o.metrics.IncLedgerRead()
	onchain, err := o.ledger.Record(callCtx, id)
	if err != nil {
		return models.CertificateRecord{}, mapReadError(err, fmt.Sprintf("record %d", id))
	}

	record := composeRecord(onchain)
	o.resolveMetadata(ctx, &record)
	record.LastFetchedAt = time.Now()

	cache.SetRecord(ctx, o.store, cache.Confirmed(record), o.cfg.RecordTTL)

	o.mu.Lock()
	observer := o.observer
	o.mu.Unlock()
	if observer != nil {
		observer(record)
	}
	return record, nil
}

// resolveMetadata fills the document fields, consulting the metadata cache
// before the resolver. Failure leaves MetadataLoaded false and is not fatal.
func (o *Orchestrator) resolveMetadata(ctx context.Context, record *models.CertificateRecord) {
	if record.MetadataRef == "" || o.resolver == nil {
		return
	}
	if raw, ok := o.store.Get(ctx, cache.MetadataKey(record.MetadataRef)); ok {
		var doc models.MetadataDocument
		if err := json.Unmarshal(raw, &doc); err == nil {
			record.MetadataDocument = &doc
			record.ImageRef = doc.ImageRef
			record.MetadataLoaded = true
			return
		}
	}
	result, err := o.resolver.Resolve(ctx, record.MetadataRef)
	if err != nil {
		o.logger.WarnContext(ctx, "metadata resolution failed",
			"certificate_id", record.ID,
			"ref", record.MetadataRef,
			"error", err,
		)
		return
	}
	record.MetadataDocument = &result.Document
	record.ImageRef = result.Document.ImageRef
	record.ImageURL = result.AssetURL
	record.MetadataLoaded = true
	if raw, err := json.Marshal(result.Document); err == nil {
		o.store.Set(ctx, cache.MetadataKey(record.MetadataRef), raw, o.cfg.RecordTTL)
	}
	if result.AssetURL != "" && record.ImageRef != "" {
		o.store.Set(ctx, cache.ImageKey(record.ImageRef), []byte(result.AssetURL), o.cfg.RecordTTL)
	}
}

// LoadView resolves the scope, retrieves the next page of identifiers, fetches
// the records behind them, and publishes the advanced ViewState. A newer load
// for the same scope key supersedes this one: the stale result is still
// returned to its caller but never published.
func (o *Orchestrator) LoadView(ctx context.Context, req ViewRequest) (models.ViewState, error) {
	start := time.Now()
	defer func() { o.metrics.ObserveViewLoad(time.Since(start)) }()

	if err := req.Scope.Validate(); err != nil {
		return models.ViewState{}, err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = o.cfg.BatchSize
	}
	scopeKey := req.Scope.Key()

	o.mu.Lock()
	gen := o.gens[scopeKey] + 1
	o.gens[scopeKey] = gen
	base, ok := o.views[scopeKey]
	if !ok || req.Reset {
		base = models.ViewState{Scope: req.Scope}
	}
	o.mu.Unlock()

	page, err := o.nextIDs(ctx, req.Scope, base.Cursor, uint64(pageSize))
	if err != nil {
		// Benign empty scope still publishes the (empty) view.
		if dErrors.Is(err, dErrors.CodeNotFoundEmpty) {
			next := base
			next.Generation = gen
			o.publish(ctx, scopeKey, gen, next)
			return next, err
		}
		return base, err
	}

	loaded, failed := o.loadBatch(ctx, page.ids)

	next := base.Append(loaded, page.nextCursor, page.hasMore)
	next.Scope = req.Scope
	next.Partial = base.Partial || page.partial
	next.Generation = gen
	if next.KnownTotal < page.knownTotal {
		next.KnownTotal = page.knownTotal
	}

	o.publish(ctx, scopeKey, gen, next)

	if len(failed) > 0 {
		o.metrics.IncPartialLoad()
		sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
		return next, dErrors.Wrap(
			dErrors.CodePartialLoad,
			"some records failed to load",
			&PartialLoadError{FailedIDs: failed},
		)
	}
	if page.partial {
		// Usable but degraded: the caller gets the view plus the reason the
		// enumeration was incomplete.
		return next, dErrors.New(dErrors.CodeScopeUnavailable, "issuer index unavailable, results from bounded scan")
	}
	return next, nil
}

// View returns the currently published state for a scope key.
func (o *Orchestrator) View(scopeKey string) (models.ViewState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.views[scopeKey]
	return v, ok
}

// MarkStale flags a published view as touched by reconciliation. The view
// stays usable; no reload is forced.
func (o *Orchestrator) MarkStale(scopeKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.views[scopeKey]; ok {
		v.Stale = true
		o.views[scopeKey] = v
	}
}

// BumpKnownTotal raises the scope's known issuance counter without loading
// the new records.
func (o *Orchestrator) BumpKnownTotal(scopeKey string, delta uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.views[scopeKey]; ok {
		v.KnownTotal += delta
		o.views[scopeKey] = v
	}
}

// RemoveFromViews drops a (burned) record from every published view.
func (o *Orchestrator) RemoveFromViews(ctx context.Context, id uint64) {
	o.mu.Lock()
	for key, v := range o.views {
		o.views[key] = v.Without(id)
	}
	o.mu.Unlock()
	o.store.InvalidateByPrefix(ctx, cache.PrefixList)
}

func (o *Orchestrator) publish(ctx context.Context, scopeKey string, gen uint64, next models.ViewState) {
	o.mu.Lock()
	if o.gens[scopeKey] != gen {
		// Superseded while in flight; discard.
		o.mu.Unlock()
		o.logger.DebugContext(ctx, "discarding superseded view load", "scope", scopeKey, "generation", gen)
		return
	}
	o.views[scopeKey] = next
	o.mu.Unlock()
	cache.SetIDList(ctx, o.store, scopeKey, next.OrderedIDs, o.cfg.ListTTL)
}

type idPage struct {
	ids        []uint64
	nextCursor uint64
	hasMore    bool
	partial    bool
	knownTotal uint64
}

// nextIDs resolves one page of identifiers for the scope, starting at cursor.
func (o *Orchestrator) nextIDs(ctx context.Context, scope models.Scope, cursor, pageSize uint64) (idPage, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	switch scope.Role {
	case models.RoleAdmin:
		return o.globalIDs(callCtx, cursor, pageSize)
	case models.RoleHolder:
		return o.holderIDs(callCtx, scope.Address, cursor, pageSize)
	case models.RoleInstitution:
		if o.ledger.SupportsIssuerIndex() {
			return o.institutionIDs(callCtx, scope.Address, cursor, pageSize)
		}
		return o.fallbackScan(ctx, scope.Address)
	default:
		return idPage{}, dErrors.New(dErrors.CodeValidation, "unknown scope role")
	}
}

func (o *Orchestrator) globalIDs(ctx context.Context, cursor, pageSize uint64) (idPage, error) {
	o.metrics.IncLedgerRead()
	total, err := o.ledger.TotalSupply(ctx)
	if err != nil {
		return idPage{}, mapReadError(err, "total supply")
	}
	ids := make([]uint64, 0, pageSize)
	for i := cursor; i < total && i < cursor+pageSize; i++ {
		o.metrics.IncLedgerRead()
		id, err := o.ledger.TokenByIndex(ctx, i)
		if err != nil {
			return idPage{}, mapReadError(err, fmt.Sprintf("token at index %d", i))
		}
		ids = append(ids, id)
	}
	next := cursor + uint64(len(ids))
	return idPage{ids: ids, nextCursor: next, hasMore: next < total, knownTotal: total}, nil
}

func (o *Orchestrator) holderIDs(ctx context.Context, owner string, cursor, pageSize uint64) (idPage, error) {
	o.metrics.IncLedgerRead()
	balance, err := o.ledger.BalanceOf(ctx, owner)
	if err != nil {
		return idPage{}, mapReadError(err, "owner balance")
	}
	if balance == 0 {
		return idPage{}, dErrors.New(dErrors.CodeNotFoundEmpty, "no certificates issued to "+owner)
	}
	ids := make([]uint64, 0, pageSize)
	for i := cursor; i < balance && i < cursor+pageSize; i++ {
		o.metrics.IncLedgerRead()
		id, err := o.ledger.TokenOfOwnerByIndex(ctx, owner, i)
		if err != nil {
			return idPage{}, mapReadError(err, fmt.Sprintf("owner token at index %d", i))
		}
		ids = append(ids, id)
	}
	next := cursor + uint64(len(ids))
	return idPage{ids: ids, nextCursor: next, hasMore: next < balance, knownTotal: balance}, nil
}

func (o *Orchestrator) institutionIDs(ctx context.Context, institution string, cursor, pageSize uint64) (idPage, error) {
	o.metrics.IncLedgerRead()
	ids, err := o.ledger.TokensOfInstitution(ctx, institution, cursor, pageSize)
	if err != nil {
		if errors.Is(err, ledger.ErrNoIssuerIndex) {
			return o.fallbackScan(ctx, institution)
		}
		return idPage{}, mapReadError(err, "institution tokens")
	}
	next := cursor + uint64(len(ids))
	return idPage{
		ids:        ids,
		nextCursor: next,
		hasMore:    uint64(len(ids)) == pageSize,
		knownTotal: next,
	}, nil
}

// fallbackScan covers ledgers without issuer-scoped enumeration: scan a
// bounded recent window of the global index and keep what the institution
// issued. Completeness is traded for availability, so the page is flagged
// partial and pagination is disabled.
func (o *Orchestrator) fallbackScan(ctx context.Context, institution string) (idPage, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	o.metrics.IncLedgerRead()
	total, err := o.ledger.TotalSupply(callCtx)
	if err != nil {
		return idPage{}, mapReadError(err, "total supply")
	}
	start := uint64(0)
	if total > o.cfg.FallbackWindow {
		start = total - o.cfg.FallbackWindow
	}
	o.logger.InfoContext(ctx, "issuer index unavailable, scanning recent window",
		"institution", institution,
		"window_start", start,
		"total", total,
	)

	var owned []uint64
	for i := start; i < total; i++ {
		o.metrics.IncLedgerRead()
		id, err := o.ledger.TokenByIndex(callCtx, i)
		if err != nil {
			continue // best-effort scan, skip unreadable slots
		}
		record, err := o.LoadRecord(ctx, id)
		if err != nil {
			continue
		}
		if record.Institution == institution {
			owned = append(owned, id)
		}
	}
	return idPage{ids: owned, nextCursor: 0, hasMore: false, partial: true, knownTotal: uint64(len(owned))}, nil
}

// loadBatch fetches every id, sharing in-flight fetches, and reports which
// ids failed. Order of loaded ids follows the request order.
func (o *Orchestrator) loadBatch(ctx context.Context, ids []uint64) (loaded, failed []uint64) {
	type outcome struct {
		id  uint64
		err error
	}
	results := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			_, err := o.LoadRecord(gctx, id)
			results[i] = outcome{id: id, err: err}
			// Individual failures are partial-success, never batch-fatal.
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil {
			o.logger.WarnContext(ctx, "batch item failed", "certificate_id", res.id, "error", res.err)
			failed = append(failed, res.id)
			continue
		}
		loaded = append(loaded, res.id)
	}
	return loaded, failed
}

func composeRecord(onchain ledger.Record) models.CertificateRecord {
	record := models.CertificateRecord{
		ID:          onchain.ID,
		Student:     onchain.Student,
		Institution: onchain.Institution,
		CourseID:    onchain.CourseID,
		CourseName:  onchain.CourseName,
		Grade:       onchain.Grade,
		CompletedAt: onchain.CompletedAt,
		MetadataRef: onchain.MetadataRef,
		Status:      models.StatusPending,
		Burn:        models.BurnNone,
	}
	switch {
	case onchain.Revoked:
		record.Status = models.StatusRevoked
	case onchain.Verified:
		record.Status = models.StatusVerified
	}
	switch onchain.BurnState {
	case "requested":
		record.Burn = models.BurnRequested
	case "approved":
		record.Burn = models.BurnApproved
	case "burned":
		record.Burn = models.BurnBurned
	}
	return record
}

func mapReadError(err error, what string) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return dErrors.Wrap(dErrors.CodeNotFound, what+" not found on ledger", err)
	case errors.Is(err, ledger.ErrNoSession):
		return dErrors.Wrap(dErrors.CodeConnectivity, "no active ledger session", err)
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(dErrors.CodeConnectivity, what+" timed out", err)
	default:
		return dErrors.Wrap(dErrors.CodeInternal, "ledger read failed: "+what, err)
	}
}
