package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/lifecycle"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
)

const (
	studentA     = "0xaaaa00000000000000000000000000000000aaaa"
	institutionA = "0xcccc00000000000000000000000000000000cccc"
)

type fixture struct {
	ledger *ledger.MemoryLedger
	store  *cache.MemoryStore
	orch   *fetch.Orchestrator
	rec    *Reconciler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger(time.Hour)
	store := cache.NewMemoryStore(time.Minute, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := fetch.NewOrchestrator(l, nil, store, logger, nil, fetch.Config{})
	rec := NewReconciler(l, orch, store, logger, nil, cfg)
	t.Cleanup(rec.Close)
	return &fixture{ledger: l, store: store, orch: orch, rec: rec}
}

func (f *fixture) cachedRecord(t *testing.T, id uint64) models.CertificateRecord {
	t.Helper()
	entry, ok := cache.GetRecord(context.Background(), f.store, id)
	require.True(t, ok, "record %d should be cached", id)
	return entry.Record
}

func (f *fixture) seedCached(t *testing.T, id uint64) models.CertificateRecord {
	t.Helper()
	f.ledger.Issue(studentA, institutionA, "CS101", "Distributed Systems", "A", time.Now(), "")
	record, err := f.orch.LoadRecord(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestStatusEventMergesIntoCache(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCached(t, 1)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 5})
	assert.Equal(t, models.StatusVerified, f.cachedRecord(t, 1).Status)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventRevoked, CertificateID: 1, Block: 6})
	assert.Equal(t, models.StatusRevoked, f.cachedRecord(t, 1).Status)
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCached(t, 1)

	ev := ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 5}
	f.rec.handleEvent(ev)
	f.rec.handleEvent(ev)

	assert.Equal(t, models.StatusVerified, f.cachedRecord(t, 1).Status)
}

func TestRegressingStatusEventIsDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCached(t, 1)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventRevoked, CertificateID: 1, Block: 5})
	// A late verification from an earlier block must not resurrect the record.
	f.rec.handleEvent(ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 4})

	assert.Equal(t, models.StatusRevoked, f.cachedRecord(t, 1).Status)
}

func TestEventForUncachedRecordIsANoOp(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Issue(studentA, institutionA, "CS101", "Intro", "A", time.Now(), "")

	f.rec.handleEvent(ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 5})

	_, ok := cache.GetRecord(context.Background(), f.store, 1)
	assert.False(t, ok, "merge must not materialize records it never fetched")
}

func TestEventConfirmsOptimisticEntry(t *testing.T) {
	f := newFixture(t, Config{})
	record := f.seedCached(t, 1)

	rollback := record
	record.ApplyStatus(models.StatusVerified)
	cache.SetRecord(context.Background(), f.store, cache.Optimistic(record, rollback), time.Minute)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 5})

	entry, ok := cache.GetRecord(context.Background(), f.store, 1)
	require.True(t, ok)
	assert.False(t, entry.Optimistic, "confirmation settles the optimistic entry")
	assert.Nil(t, entry.RollbackTo)
	assert.Equal(t, models.StatusVerified, entry.Record.Status)
}

func TestBurnLifecycleMerge(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCached(t, 1)
	ctx := context.Background()
	cache.SetBurnRequest(ctx, f.store, models.BurnRequest{ID: "req-1", CertificateID: 1}, time.Minute)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventBurnRequested, CertificateID: 1, Block: 5})
	assert.Equal(t, models.BurnRequested, f.cachedRecord(t, 1).Burn)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventBurnCancelled, CertificateID: 1, Block: 6})
	assert.Equal(t, models.BurnNone, f.cachedRecord(t, 1).Burn)

	_, ok := cache.GetBurnRequest(ctx, f.store, 1)
	assert.False(t, ok, "cancellation drops the tracked burn request")
}

func TestBurnedEventKeepsRecordVisibleDuringGrace(t *testing.T) {
	f := newFixture(t, Config{BurnGrace: 50 * time.Millisecond})
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	f.ledger.Issue(studentA, institutionA, "C2", "Two", "A", time.Now(), "")

	scope := models.Scope{Role: models.RoleAdmin}
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventBurned, CertificateID: 1, Block: 9})

	// Inside the grace period the record stays in the view, flagged burning.
	view, ok := f.orch.View(scope.Key())
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 2}, view.OrderedIDs)
	record := f.cachedRecord(t, 1)
	assert.Equal(t, models.BurnBurned, record.Burn)
	assert.True(t, record.Burning)

	require.Eventually(t, func() bool {
		view, ok := f.orch.View(scope.Key())
		if !ok || len(view.OrderedIDs) != 1 || view.OrderedIDs[0] != 2 {
			return false
		}
		_, cached := cache.GetRecord(context.Background(), f.store, 1)
		return !cached
	}, 2*time.Second, 10*time.Millisecond, "after the grace period the record leaves views and cache")
}

func TestConfirmedBurnStaysVisibleForGracePeriod(t *testing.T) {
	const adminA = "0xeeee00000000000000000000000000000000eeee"
	grace := 60 * time.Millisecond

	f := newFixture(t, Config{BurnGrace: grace})
	f.rec.Start()
	f.ledger.GrantRole(ledger.RoleAdmin, adminA)
	id := f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")

	scope := models.Scope{Role: models.RoleAdmin}
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	coord := lifecycle.NewCoordinator(f.ledger, f.orch, f.store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil,
		lifecycle.Config{BurnGrace: grace})
	t.Cleanup(coord.Close)

	_, err = coord.DirectBurn(context.Background(), ledger.Signer{Address: adminA}, id)
	require.NoError(t, err)

	view, ok := f.orch.View(scope.Key())
	require.True(t, ok)
	assert.Contains(t, view.OrderedIDs, id, "record must stay visible during the burn grace period")
	assert.True(t, f.cachedRecord(t, id).Burning)

	require.Eventually(t, func() bool {
		view, ok := f.orch.View(scope.Key())
		return ok && len(view.OrderedIDs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleEventSignalsArePruned(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedCached(t, 1)

	f.rec.handleEvent(ledger.Event{Name: ledger.EventVerified, CertificateID: 1, Block: 5})
	f.rec.mu.Lock()
	tracked := len(f.rec.seen)
	f.rec.mu.Unlock()
	require.Equal(t, 1, tracked)

	f.rec.handleBlock(seenHorizon + 6)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Empty(t, f.rec.seen, "signals behind the block horizon are forgotten")
}

func TestRecordsIssuedBeforeStartupJoinSampling(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	f.rec.Start()

	_, err := f.orch.LoadRecord(context.Background(), id)
	require.NoError(t, err)

	f.rec.mu.Lock()
	_, watched := f.rec.watch[id]
	f.rec.mu.Unlock()
	assert.True(t, watched, "loading a pending record puts it under block sampling")
}

func TestFinalizedRecordsAreNotSampledOnLoad(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	f.ledger.GrantRole(ledger.RoleInstitution, institutionA)
	handle, err := f.ledger.Verify(ctx, ledger.Signer{Address: institutionA}, id)
	require.NoError(t, err)
	receipt, err := f.ledger.Await(ctx, handle)
	require.NoError(t, err)
	require.True(t, receipt.Success)

	f.rec.Start()
	_, err = f.orch.LoadRecord(ctx, id)
	require.NoError(t, err)

	f.rec.mu.Lock()
	_, watched := f.rec.watch[id]
	f.rec.mu.Unlock()
	assert.False(t, watched, "settled records need no block sampling")
}

func TestIssuanceBelowThresholdOnlyBumpsTotals(t *testing.T) {
	f := newFixture(t, Config{UnknownIssuanceThreshold: 3})
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")

	scope := models.Scope{Role: models.RoleAdmin}
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	_, err = f.rec.Watch(scope)
	require.NoError(t, err)

	id := f.ledger.Issue(studentA, institutionA, "C2", "Two", "A", time.Now(), "")
	f.rec.handleEvent(ledger.Event{
		Name: ledger.EventIssued, CertificateID: id,
		Student: studentA, Institution: institutionA, Block: f.ledger.Height(),
	})

	view, ok := f.orch.View(scope.Key())
	require.True(t, ok)
	assert.Equal(t, uint64(2), view.KnownTotal)
	assert.True(t, view.Stale)

	_, cached := cache.GetRecord(context.Background(), f.store, id)
	assert.False(t, cached, "below the threshold no fetch is issued")
}

func TestIssuanceThresholdTriggersRefetch(t *testing.T) {
	f := newFixture(t, Config{UnknownIssuanceThreshold: 2})
	scope := models.Scope{Role: models.RoleAdmin}
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	_, err = f.rec.Watch(scope)
	require.NoError(t, err)

	first := f.ledger.Issue(studentA, institutionA, "C2", "Two", "A", time.Now(), "")
	second := f.ledger.Issue(studentA, institutionA, "C3", "Three", "A", time.Now(), "")
	for _, id := range []uint64{first, second} {
		f.rec.handleEvent(ledger.Event{
			Name: ledger.EventIssued, CertificateID: id,
			Student: studentA, Institution: institutionA, Block: id,
		})
	}

	require.Eventually(t, func() bool {
		_, okFirst := cache.GetRecord(context.Background(), f.store, first)
		_, okSecond := cache.GetRecord(context.Background(), f.store, second)
		return okFirst && okSecond
	}, 2*time.Second, 10*time.Millisecond, "threshold crossing fetches the accumulated ids")
}

func TestHolderScopeIgnoresOtherStudentsIssuances(t *testing.T) {
	f := newFixture(t, Config{})
	holder := models.Scope{Role: models.RoleHolder, Address: studentA}
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: holder})
	require.NoError(t, err)

	_, err = f.rec.Watch(holder)
	require.NoError(t, err)

	other := "0xbbbb00000000000000000000000000000000bbbb"
	id := f.ledger.Issue(other, institutionA, "C2", "Two", "A", time.Now(), "")
	f.rec.handleEvent(ledger.Event{
		Name: ledger.EventIssued, CertificateID: id,
		Student: other, Institution: institutionA, Block: f.ledger.Height(),
	})

	view, ok := f.orch.View(holder.Key())
	require.True(t, ok)
	assert.Equal(t, uint64(1), view.KnownTotal)
	assert.False(t, view.Stale)
}

func TestBlockTickResamplesNonFinalizedRecords(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.Start()

	id := f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	_, err := f.orch.LoadRecord(context.Background(), id)
	require.NoError(t, err)

	// Evict the cached copy; the tick sample must restore it.
	f.store.Invalidate(context.Background(), cache.RecordKey(id))
	f.ledger.AdvanceBlock()

	require.Eventually(t, func() bool {
		_, ok := cache.GetRecord(context.Background(), f.store, id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBlockTickRetiresFinalizedRecords(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.Start()
	ctx := context.Background()

	id := f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	f.ledger.GrantRole(ledger.RoleInstitution, institutionA)
	handle, err := f.ledger.Verify(ctx, ledger.Signer{Address: institutionA}, id)
	require.NoError(t, err)
	receipt, err := f.ledger.Await(ctx, handle)
	require.NoError(t, err)
	require.True(t, receipt.Success)

	f.ledger.AdvanceBlock()

	require.Eventually(t, func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		_, watched := f.rec.watch[id]
		return !watched
	}, 2*time.Second, 10*time.Millisecond, "verified records leave the sampling set")
}

func TestUnwatchStopsScopeTracking(t *testing.T) {
	f := newFixture(t, Config{})
	scope := models.Scope{Role: models.RoleAdmin}
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	handle, err := f.rec.Watch(scope)
	require.NoError(t, err)
	f.rec.Unwatch(handle)

	id := f.ledger.Issue(studentA, institutionA, "C2", "Two", "A", time.Now(), "")
	f.rec.handleEvent(ledger.Event{
		Name: ledger.EventIssued, CertificateID: id,
		Student: studentA, Institution: institutionA, Block: f.ledger.Height(),
	})

	view, ok := f.orch.View(scope.Key())
	require.True(t, ok)
	assert.Equal(t, uint64(1), view.KnownTotal)
}

func TestCloseStopsEventProcessing(t *testing.T) {
	f := newFixture(t, Config{})
	scope := models.Scope{Role: models.RoleAdmin}
	f.ledger.Issue(studentA, institutionA, "C1", "One", "A", time.Now(), "")
	_, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: scope})
	require.NoError(t, err)

	f.rec.Start()
	_, err = f.rec.Watch(scope)
	require.NoError(t, err)
	f.rec.Close()

	f.ledger.Issue(studentA, institutionA, "C2", "Two", "A", time.Now(), "")

	view, ok := f.orch.View(scope.Key())
	require.True(t, ok)
	assert.Equal(t, uint64(1), view.KnownTotal, "no reconciliation after teardown")
	assert.False(t, view.Stale)
}
