package models

import (
	"regexp"
	"strings"
	"time"

	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Status is the verification axis of a certificate. Transitions are monotonic:
// pending -> verified, and {pending, verified} -> revoked. Revoked is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRevoked  Status = "revoked"
)

// BurnState is the independent burn axis. none -> requested -> approved ->
// burned, with an explicit requested -> none cancellation edge.
type BurnState string

const (
	BurnNone      BurnState = "none"
	BurnRequested BurnState = "requested"
	BurnApproved  BurnState = "approved"
	BurnBurned    BurnState = "burned"
)

// Role determines the visibility window a caller operates under.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleInstitution Role = "institution"
	RoleHolder      Role = "holder"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeAddress lower-cases a ledger address after validating its shape.
// Address filters and scope lookups compare normalized forms only.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", dErrors.New(dErrors.CodeValidation, "malformed ledger address: "+addr)
	}
	return strings.ToLower(addr), nil
}

// MetadataDocument is the resolved form of a certificate's content reference.
type MetadataDocument struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ImageRef    string            `json:"image"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// CertificateRecord is the local view of one ledger-issued credential. The
// ledger remains the source of truth; this struct carries the cache
// bookkeeping needed to treat the local copy as best-effort.
type CertificateRecord struct {
	ID          uint64 `json:"id"`
	Student     string `json:"student"`
	Institution string `json:"institution"`

	CourseID    string    `json:"course_id"`
	CourseName  string    `json:"course_name"`
	Grade       string    `json:"grade"`
	CompletedAt time.Time `json:"completed_at"`

	MetadataRef      string            `json:"metadata_ref"`
	MetadataDocument *MetadataDocument `json:"metadata_document,omitempty"`
	ImageRef         string            `json:"image_ref,omitempty"`
	ImageURL         string            `json:"image_url,omitempty"`

	Status Status    `json:"status"`
	Burn   BurnState `json:"burn"`

	// Burning marks a confirmed burn that is still inside the display
	// grace period. The record stays visible until the period elapses.
	Burning bool `json:"burning,omitempty"`

	MetadataLoaded bool      `json:"metadata_loaded"`
	LastFetchedAt  time.Time `json:"last_fetched_at"`
}

// statusRank orders the verification axis for monotonicity checks.
func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusVerified:
		return 1
	case StatusRevoked:
		return 2
	}
	return -1
}

func burnRank(b BurnState) int {
	switch b {
	case BurnNone:
		return 0
	case BurnRequested:
		return 1
	case BurnApproved:
		return 2
	case BurnBurned:
		return 3
	}
	return -1
}

// ApplyStatus advances the verification axis. It returns false when the
// transition would regress, which makes duplicate event application a no-op.
func (r *CertificateRecord) ApplyStatus(next Status) bool {
	if statusRank(next) <= statusRank(r.Status) {
		return false
	}
	r.Status = next
	return true
}

// ApplyBurn advances the burn axis. The single allowed regression is the
// requested -> none cancellation edge.
func (r *CertificateRecord) ApplyBurn(next BurnState) bool {
	if next == BurnNone && r.Burn == BurnRequested {
		r.Burn = BurnNone
		return true
	}
	if burnRank(next) <= burnRank(r.Burn) {
		return false
	}
	r.Burn = next
	return true
}

// CanVerify reports whether a verify write is meaningful from this status.
func (r *CertificateRecord) CanVerify() bool { return r.Status == StatusPending }

// CanRevoke reports whether a revoke write is meaningful from this status.
func (r *CertificateRecord) CanRevoke() bool { return r.Status != StatusRevoked }

// Scope is the role-determined visibility window for list views. Address is
// required for institution and holder scopes.
type Scope struct {
	Role    Role   `json:"role"`
	Address string `json:"address,omitempty"`
}

// Key is the cache namespace for everything derived from this scope.
func (s Scope) Key() string {
	if s.Role == RoleAdmin {
		return string(RoleAdmin)
	}
	return string(s.Role) + ":" + s.Address
}

// Validate normalizes the scope address and rejects incoherent scopes before
// any remote call is issued.
func (s *Scope) Validate() error {
	switch s.Role {
	case RoleAdmin:
		s.Address = ""
		return nil
	case RoleInstitution, RoleHolder:
		addr, err := NormalizeAddress(s.Address)
		if err != nil {
			return err
		}
		s.Address = addr
		return nil
	default:
		return dErrors.New(dErrors.CodeValidation, "unknown scope role: "+string(s.Role))
	}
}

// ViewState is the immutable snapshot of one active list view. Loads produce
// a new ViewState via explicit transitions; nothing mutates a published one.
type ViewState struct {
	Scope      Scope    `json:"scope"`
	OrderedIDs []uint64 `json:"ordered_ids"`
	Cursor     uint64   `json:"cursor"`
	HasMore    bool     `json:"has_more"`

	// Partial flags results produced by the bounded scan-and-filter
	// fallback, which trades completeness for availability.
	Partial bool `json:"partial,omitempty"`

	// Stale marks a view touched by reconciliation since its last load.
	// Stale views remain usable; no forced reload happens.
	Stale bool `json:"stale,omitempty"`

	// KnownTotal counts issuances observed for this scope, including ones
	// outside the loaded window.
	KnownTotal uint64 `json:"known_total"`

	Generation uint64    `json:"-"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Append returns a new ViewState with the batch appended in request order.
func (v ViewState) Append(ids []uint64, cursor uint64, hasMore bool) ViewState {
	next := v
	next.OrderedIDs = make([]uint64, 0, len(v.OrderedIDs)+len(ids))
	next.OrderedIDs = append(next.OrderedIDs, v.OrderedIDs...)
	next.OrderedIDs = append(next.OrderedIDs, ids...)
	next.Cursor = cursor
	next.HasMore = hasMore
	next.Stale = false
	next.LoadedAt = time.Now()
	return next
}

// Without returns a new ViewState with the given id removed.
func (v ViewState) Without(id uint64) ViewState {
	next := v
	next.OrderedIDs = make([]uint64, 0, len(v.OrderedIDs))
	for _, existing := range v.OrderedIDs {
		if existing != id {
			next.OrderedIDs = append(next.OrderedIDs, existing)
		}
	}
	return next
}

// StatusFilter widens Status with the "all" wildcard used by queries.
type StatusFilter string

const (
	FilterAll      StatusFilter = "all"
	FilterPending  StatusFilter = StatusFilter(StatusPending)
	FilterVerified StatusFilter = StatusFilter(StatusVerified)
	FilterRevoked  StatusFilter = StatusFilter(StatusRevoked)
)

// SearchQuery is a multi-criteria filter. An empty query means "no active
// filter", which is distinct from a filter that matches nothing.
type SearchQuery struct {
	FreeText           string       `json:"free_text,omitempty"`
	StudentAddress     string       `json:"student_address,omitempty"`
	InstitutionAddress string       `json:"institution_address,omitempty"`
	CourseName         string       `json:"course_name,omitempty"`
	Status             StatusFilter `json:"status,omitempty"`
	From               *time.Time   `json:"from,omitempty"`
	To                 *time.Time   `json:"to,omitempty"`
}

// IsEmpty reports whether no criterion is active.
func (q SearchQuery) IsEmpty() bool {
	return q.FreeText == "" &&
		q.StudentAddress == "" &&
		q.InstitutionAddress == "" &&
		q.CourseName == "" &&
		(q.Status == "" || q.Status == FilterAll) &&
		q.From == nil && q.To == nil
}

// BurnRequest tracks one pending retirement, gated by an on-chain timelock.
type BurnRequest struct {
	ID            string        `json:"id"`
	CertificateID uint64        `json:"certificate_id"`
	Reason        string        `json:"reason"`
	RequestedAt   time.Time     `json:"requested_at"`
	Approved      bool          `json:"approved"`
	Timelock      time.Duration `json:"timelock"`
}

// EarliestBurnAt is the first instant a burn of this request may be executed.
func (b BurnRequest) EarliestBurnAt() time.Time {
	return b.RequestedAt.Add(b.Timelock)
}
