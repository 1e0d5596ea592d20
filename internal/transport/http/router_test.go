package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/lifecycle"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/reconcile"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/search"
	jwttoken "github.com/midoo12345/soulbound-nft-sub001/internal/jwt_token"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	"github.com/midoo12345/soulbound-nft-sub001/pkg/testutil"
)

const (
	studentA     = "0xaaaa00000000000000000000000000000000aaaa"
	studentB     = "0xbbbb00000000000000000000000000000000bbbb"
	institutionA = "0xcccc00000000000000000000000000000000cccc"
	adminA       = "0xeeee00000000000000000000000000000000eeee"
)

type serverFixture struct {
	ledger *ledger.MemoryLedger
	router http.Handler
	jwt    *jwttoken.JWTService
}

func newServer(t *testing.T) *serverFixture {
	t.Helper()

	l := ledger.NewMemoryLedger(time.Hour)
	l.GrantRole(ledger.RoleInstitution, institutionA)
	l.GrantRole(ledger.RoleAdmin, adminA)

	store := cache.NewMemoryStore(time.Minute, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := fetch.NewOrchestrator(l, nil, store, logger, nil, fetch.Config{})
	engine := search.NewEngine(orch, store, logger)
	coord := lifecycle.NewCoordinator(l, orch, store, logger, nil, lifecycle.Config{})
	rec := reconcile.NewReconciler(l, orch, store, logger, nil, reconcile.Config{})
	t.Cleanup(coord.Close)
	t.Cleanup(rec.Close)

	jwtSvc := jwttoken.NewJWTService("test-signing-key", "certdash-test")
	handler := NewHandler(logger, orch, engine, coord, rec)
	router := NewRouter(handler, jwttoken.NewJWTServiceAdapter(jwtSvc), nil)

	return &serverFixture{ledger: l, router: router, jwt: jwtSvc}
}

func (f *serverFixture) token(t *testing.T, role models.Role, address string) string {
	t.Helper()
	token, err := f.jwt.GenerateAccessToken(role, address, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(t, method, path, body)
	} else {
		req = testutil.NewRequest(t, method, path)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return testutil.DoRequest(f.router, req)
}

func (f *serverFixture) issue(holder string) uint64 {
	return f.ledger.Issue(holder, institutionA, "CS101", "Distributed Systems", "A", time.Now(), "")
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, "")
	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "status", "ok")
}

func TestAPIRejectsMissingToken(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, "")
	testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
}

func TestAPIRejectsGarbageToken(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, "not-a-jwt")
	testutil.AssertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminLoadsFullView(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	f.issue(studentB)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, f.token(t, models.RoleAdmin, adminA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[viewResponse](t, rr)
	assert.Equal(t, []uint64{1, 2}, resp.OrderedIDs)
	assert.Len(t, resp.Records, 2)
	assert.Equal(t, uint64(2), resp.KnownTotal)
}

func TestHolderViewIsPinnedToOwnAddress(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	f.issue(studentB)
	f.issue(studentA)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[viewResponse](t, rr)
	assert.Equal(t, []uint64{1, 3}, resp.OrderedIDs)
}

func TestInstitutionFallbackScanStillShipsView(t *testing.T) {
	f := newServer(t)
	f.ledger.DisableIssuerIdx = true
	f.issue(studentA)
	f.issue(studentB)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, f.token(t, models.RoleInstitution, institutionA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[viewResponse](t, rr)
	assert.Equal(t, []uint64{1, 2}, resp.OrderedIDs)
	assert.True(t, resp.Partial, "bounded-scan enumeration is marked partial")
}

func TestHolderCannotInspectAnotherScope(t *testing.T) {
	f := newServer(t)
	f.issue(studentB)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates?address="+studentB, nil, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
}

func TestAdminMayInspectAnyScope(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	f.issue(studentB)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates?role=holder&address="+studentB, nil, f.token(t, models.RoleAdmin, adminA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[viewResponse](t, rr)
	assert.Equal(t, []uint64{2}, resp.OrderedIDs)
}

func TestEmptyHolderViewShipsEmptyReason(t *testing.T) {
	f := newServer(t)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[viewResponse](t, rr)
	assert.Empty(t, resp.OrderedIDs)
	assert.Equal(t, string(search.EmptyScope), resp.EmptyReason)
}

func TestLoadSingleRecord(t *testing.T) {
	f := newServer(t)
	id := f.issue(studentA)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates/1", nil, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusOK(t, rr)

	record := testutil.UnmarshalResponse[models.CertificateRecord](t, rr)
	assert.Equal(t, id, record.ID)
	assert.Equal(t, "Distributed Systems", record.CourseName)
}

func TestLoadRecordRejectsMalformedID(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/api/v1/certificates/banana", nil, f.token(t, models.RoleAdmin, adminA))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestLoadRecordUnknownIDIsNotFound(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/api/v1/certificates/99", nil, f.token(t, models.RoleAdmin, adminA))
	testutil.AssertStatus(t, rr, http.StatusNotFound)
}

func TestSearchOverLoadedView(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	token := f.token(t, models.RoleHolder, studentA)

	rr := f.do(t, http.MethodGet, "/api/v1/certificates", nil, token)
	testutil.AssertStatusOK(t, rr)

	rr = f.do(t, http.MethodPost, "/api/v1/certificates/search", models.SearchQuery{FreeText: "distributed"}, token)
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[searchResponse](t, rr)
	assert.Equal(t, []uint64{1}, resp.IDs)
	assert.Empty(t, resp.EmptyReason)
}

func TestSearchBeforeLoadReportsNotLoaded(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/search", models.SearchQuery{FreeText: "distributed"}, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[searchResponse](t, rr)
	assert.Equal(t, string(search.EmptyNotLoaded), resp.EmptyReason)
}

func TestInstitutionVerifiesCertificate(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/1/verify", nil, f.token(t, models.RoleInstitution, institutionA))
	testutil.AssertStatusOK(t, rr)

	record := testutil.UnmarshalResponse[models.CertificateRecord](t, rr)
	assert.Equal(t, models.StatusVerified, record.Status)
}

func TestHolderCannotVerify(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/1/verify", nil, f.token(t, models.RoleHolder, studentA))
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
}

func TestVerifyBatch(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	f.issue(studentB)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/verify-batch",
		batchRequest{IDs: []uint64{1, 2}}, f.token(t, models.RoleInstitution, institutionA))
	testutil.AssertStatusOK(t, rr)

	resp := testutil.UnmarshalResponse[map[string][]models.CertificateRecord](t, rr)
	assert.Len(t, (*resp)["records"], 2)
}

func TestRevokeIsReflectedInResponse(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/1/revoke",
		reasonRequest{Reason: "misissued"}, f.token(t, models.RoleInstitution, institutionA))
	testutil.AssertStatusOK(t, rr)

	record := testutil.UnmarshalResponse[models.CertificateRecord](t, rr)
	assert.Equal(t, models.StatusRevoked, record.Status)
}

func TestBurnRequestLifecycleOverHTTP(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)
	instToken := f.token(t, models.RoleInstitution, institutionA)
	adminToken := f.token(t, models.RoleAdmin, adminA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/1/burn-request",
		reasonRequest{Reason: "requested by holder"}, instToken)
	testutil.AssertStatus(t, rr, http.StatusAccepted)

	burnReq := testutil.UnmarshalResponse[models.BurnRequest](t, rr)
	assert.NotEmpty(t, burnReq.ID)
	assert.Equal(t, uint64(1), burnReq.CertificateID)

	rr = f.do(t, http.MethodPost, "/api/v1/certificates/1/burn-approve", nil, adminToken)
	testutil.AssertStatusOK(t, rr)

	record := testutil.UnmarshalResponse[models.CertificateRecord](t, rr)
	assert.Equal(t, models.BurnApproved, record.Burn)
}

func TestBurnApproveRequiresAdmin(t *testing.T) {
	f := newServer(t)
	f.issue(studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/certificates/1/burn-approve", nil, f.token(t, models.RoleInstitution, institutionA))
	testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newServer(t)
	token := f.token(t, models.RoleHolder, studentA)

	rr := f.do(t, http.MethodPost, "/api/v1/subscriptions", nil, token)
	testutil.AssertStatus(t, rr, http.StatusCreated)

	resp := testutil.UnmarshalResponse[map[string]string](t, rr)
	handle := (*resp)["handle"]
	require.NotEmpty(t, handle)

	rr = f.do(t, http.MethodDelete, "/api/v1/subscriptions/"+handle, nil, token)
	testutil.AssertStatus(t, rr, http.StatusNoContent)
}

func TestResponsesCarryRequestID(t *testing.T) {
	f := newServer(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}
