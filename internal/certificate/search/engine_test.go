package search

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

const (
	studentA     = "0xaaaa00000000000000000000000000000000aaaa"
	studentB     = "0xbbbb00000000000000000000000000000000bbbb"
	institutionA = "0xcccc00000000000000000000000000000000cccc"
)

func record(id uint64, course string, status models.Status, completed time.Time) models.CertificateRecord {
	return models.CertificateRecord{
		ID:          id,
		Student:     studentA,
		Institution: institutionA,
		CourseName:  course,
		Status:      status,
		CompletedAt: completed,
	}
}

func TestValidateNormalizesAddresses(t *testing.T) {
	q := models.SearchQuery{StudentAddress: "0xAAAA00000000000000000000000000000000AAAA"}
	require.NoError(t, Validate(&q))
	assert.Equal(t, studentA, q.StudentAddress)
}

func TestValidateRejectsMalformedAddress(t *testing.T) {
	q := models.SearchQuery{StudentAddress: "not-an-address"}
	err := Validate(&q)
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}

func TestValidateRejectsUnknownStatusFilter(t *testing.T) {
	q := models.SearchQuery{Status: "archived"}
	err := Validate(&q)
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}

func TestValidateRejectsInvertedDateRange(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-24 * time.Hour)
	q := models.SearchQuery{From: &from, To: &to}
	err := Validate(&q)
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}

func TestMatchesAppliesAllCriteriaConjunctively(t *testing.T) {
	completed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec := record(42, "Distributed Systems", models.StatusVerified, completed)

	q := models.SearchQuery{
		FreeText:       "distributed",
		StudentAddress: studentA,
		Status:         models.FilterVerified,
	}
	assert.True(t, Matches(rec, q))

	// One failing criterion fails the whole query.
	q.StudentAddress = studentB
	assert.False(t, Matches(rec, q))
}

func TestMatchesFreeTextCoversIDAndCourseName(t *testing.T) {
	rec := record(1042, "Distributed Systems", models.StatusPending, time.Now())

	assert.True(t, Matches(rec, models.SearchQuery{FreeText: "104"}))
	assert.True(t, Matches(rec, models.SearchQuery{FreeText: "DISTRIB"}))
	assert.False(t, Matches(rec, models.SearchQuery{FreeText: "chemistry"}))
}

func TestMatchesDateRangeIsInclusive(t *testing.T) {
	completed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec := record(1, "Algebra", models.StatusPending, completed)

	q := models.SearchQuery{From: &completed, To: &completed}
	assert.True(t, Matches(rec, q), "boundary instants are part of the range")

	earlier := completed.Add(-time.Second)
	q = models.SearchQuery{To: &earlier}
	assert.False(t, Matches(rec, q))
}

func TestApplyEmptyQueryIsIdentity(t *testing.T) {
	records := []models.CertificateRecord{
		record(1, "One", models.StatusPending, time.Now()),
		record(2, "Two", models.StatusVerified, time.Now()),
	}
	assert.Equal(t, records, Apply(records, models.SearchQuery{}))
	assert.Equal(t, records, Apply(records, models.SearchQuery{Status: models.FilterAll}))
}

func TestApplyPreservesViewOrder(t *testing.T) {
	records := []models.CertificateRecord{
		record(3, "Systems", models.StatusPending, time.Now()),
		record(1, "Systems", models.StatusPending, time.Now()),
		record(2, "Algebra", models.StatusPending, time.Now()),
	}
	matched := Apply(records, models.SearchQuery{CourseName: "systems"})
	require.Len(t, matched, 2)
	assert.Equal(t, uint64(3), matched[0].ID)
	assert.Equal(t, uint64(1), matched[1].ID)
}

func TestPlanRemoteQuery(t *testing.T) {
	assert.Nil(t, PlanRemoteQuery(models.SearchQuery{FreeText: "x"}))

	plan := PlanRemoteQuery(models.SearchQuery{StudentAddress: studentA})
	require.NotNil(t, plan)
	require.NotNil(t, plan.HolderScope)
	assert.Equal(t, models.RoleHolder, plan.HolderScope.Role)
	assert.Equal(t, studentA, plan.HolderScope.Address)
	assert.Nil(t, plan.InstitutionScope)
}

type engineFixture struct {
	ledger *ledger.MemoryLedger
	store  *cache.MemoryStore
	orch   *fetch.Orchestrator
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	l := ledger.NewMemoryLedger(time.Hour)
	store := cache.NewMemoryStore(time.Minute, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := fetch.NewOrchestrator(l, nil, store, logger, nil, fetch.Config{})
	return &engineFixture{
		ledger: l,
		store:  store,
		orch:   orch,
		engine: NewEngine(orch, store, logger),
	}
}

func (f *engineFixture) loadAdminView(t *testing.T) models.ViewState {
	t.Helper()
	view, err := f.orch.LoadView(context.Background(), fetch.ViewRequest{Scope: models.Scope{Role: models.RoleAdmin}})
	require.NoError(t, err)
	return view
}

func TestSearchValidatesBeforeEvaluation(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{StudentAddress: "bogus"})
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}

func TestSearchOverLoadedView(t *testing.T) {
	f := newEngineFixture(t)
	f.ledger.Issue(studentA, institutionA, "C1", "Distributed Systems", "A", time.Now(), "")
	f.ledger.Issue(studentB, institutionA, "C2", "Organic Chemistry", "B", time.Now(), "")
	f.ledger.Issue(studentA, institutionA, "C3", "Systems Biology", "A", time.Now(), "")
	f.loadAdminView(t)

	result, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{FreeText: "systems"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, result.IDs)
	assert.Equal(t, EmptyNone, result.Reason)
}

func TestSearchNoMatchIsDistinctFromEmptyScope(t *testing.T) {
	f := newEngineFixture(t)
	f.ledger.Issue(studentA, institutionA, "C1", "Algebra", "A", time.Now(), "")
	f.loadAdminView(t)

	result, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{
		StudentAddress: studentB,
	})
	require.NoError(t, err)
	assert.Equal(t, EmptyNoMatch, result.Reason)
	require.NotNil(t, result.Remote, "exact-address misses come with a direct-lookup plan")
	assert.Equal(t, studentB, result.Remote.HolderScope.Address)
}

func TestSearchUnloadedScope(t *testing.T) {
	f := newEngineFixture(t)
	result, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{FreeText: "x"})
	require.NoError(t, err)
	assert.Equal(t, EmptyNotLoaded, result.Reason)
}

func TestSearchSkipsExpiredRecordsAndFlagsPartial(t *testing.T) {
	f := newEngineFixture(t)
	f.ledger.Issue(studentA, institutionA, "C1", "Algebra", "A", time.Now(), "")
	f.ledger.Issue(studentA, institutionA, "C2", "Geometry", "A", time.Now(), "")
	f.loadAdminView(t)

	f.store.Invalidate(context.Background(), cache.RecordKey(1))

	result, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{Status: models.FilterAll})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, result.IDs)
	assert.True(t, result.Partial)
}

func TestSearchEmptyQueryRestoresView(t *testing.T) {
	f := newEngineFixture(t)
	f.ledger.Issue(studentA, institutionA, "C1", "Algebra", "A", time.Now(), "")
	f.ledger.Issue(studentB, institutionA, "C2", "Geometry", "A", time.Now(), "")
	view := f.loadAdminView(t)

	result, err := f.engine.Search(context.Background(), "admin", models.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, view.OrderedIDs, result.IDs, "clearing filters yields the loaded view unchanged")
}

func TestDebouncerCollapsesRapidTriggers(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Int64
	var last atomic.Int64
	for i := 1; i <= 5; i++ {
		n := int64(i)
		d.Trigger(func() {
			fired.Add(1)
			last.Store(n)
		})
	}

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(5), last.Load(), "only the latest edit survives")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), fired.Load())
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	d := NewDebouncer(time.Hour)
	defer d.Stop()

	var fired atomic.Int64
	d.Trigger(func() { fired.Add(1) })
	d.Flush()

	assert.Equal(t, int64(1), fired.Load())

	d.Flush()
	assert.Equal(t, int64(1), fired.Load(), "flush with nothing pending is a no-op")
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)

	var fired atomic.Int64
	d.Trigger(func() { fired.Add(1) })
	d.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(0), fired.Load())

	d.Trigger(func() { fired.Add(1) })
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(0), fired.Load(), "stopped debouncer ignores triggers")
}
