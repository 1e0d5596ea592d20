package ledger

import (
	"context"
	"errors"
	"time"
)

// Record is the on-chain shape of one certificate. The sync engine composes
// its richer local view from this plus resolved metadata.
type Record struct {
	ID          uint64
	Student     string
	Institution string
	CourseID    string
	CourseName  string
	Grade       string
	CompletedAt time.Time
	MetadataRef string
	Verified    bool
	Revoked     bool
	BurnState   string // "none", "requested", "approved", "burned"
}

// EventName enumerates the contract events the reconciler consumes.
type EventName string

const (
	EventIssued        EventName = "CertificateIssued"
	EventVerified      EventName = "CertificateVerified"
	EventRevoked       EventName = "CertificateRevoked"
	EventStatusChanged EventName = "CertificateStatusChanged"
	EventBurnRequested EventName = "BurnRequested"
	EventBurnCancelled EventName = "BurnCancelled"
	EventBurnApproved  EventName = "BurnApproved"
	EventBurned        EventName = "CertificateBurned"
)

// Event is one contract emission, already decoded.
type Event struct {
	Name          EventName
	CertificateID uint64
	Student       string
	Institution   string
	Block         uint64
	TxHash        string
	At            time.Time
}

// Role names mirror the contract's access-control roles.
const (
	RoleAdmin       = "ADMIN_ROLE"
	RoleInstitution = "INSTITUTION_ROLE"
	RoleBurner      = "BURNER_ROLE"
)

// Signer is the context under which a write is submitted.
type Signer struct {
	Address string
}

// TxHandle identifies a submitted transaction awaiting confirmation.
type TxHandle string

// Receipt is the confirmed outcome of a write.
type Receipt struct {
	TxHash  string
	Block   uint64
	Success bool
	// Reason carries the revert string when Success is false.
	Reason string
}

// SubscriptionID identifies one registered event or block handler.
type SubscriptionID string

// Sentinel errors a Client implementation reports. Callers categorize these
// into the domain error taxonomy.
var (
	// ErrNotFound means the record id does not exist on the ledger.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrNoSession means there is no active connection to the ledger.
	ErrNoSession = errors.New("ledger: no active session")
	// ErrRejected means the signer declined to sign the write.
	ErrRejected = errors.New("ledger: signer rejected transaction")
	// ErrNoIssuerIndex means the contract lacks the issuer-scoped
	// enumeration primitive and callers must fall back to scanning.
	ErrNoIssuerIndex = errors.New("ledger: issuer index unavailable")
)

// RevertError carries the contract revert reason of a failed write.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "ledger: reverted: " + e.Reason }

// Client is the ledger access surface the sync engine consumes. Reads are
// idempotent; writes return a handle that must be awaited for the receipt.
type Client interface {
	// Reads.
	Record(ctx context.Context, id uint64) (Record, error)
	TotalSupply(ctx context.Context) (uint64, error)
	TokenByIndex(ctx context.Context, index uint64) (uint64, error)
	BalanceOf(ctx context.Context, owner string) (uint64, error)
	TokenOfOwnerByIndex(ctx context.Context, owner string, index uint64) (uint64, error)
	// TokensOfInstitution is optional on-chain; implementations without it
	// return ErrNoIssuerIndex and report false from SupportsIssuerIndex.
	TokensOfInstitution(ctx context.Context, institution string, offset, limit uint64) ([]uint64, error)
	SupportsIssuerIndex() bool
	HasRole(ctx context.Context, role, address string) (bool, error)
	BurnTimelock(ctx context.Context) (time.Duration, error)

	// Writes. Each submits exactly one transaction.
	Verify(ctx context.Context, signer Signer, id uint64) (TxHandle, error)
	VerifyBatch(ctx context.Context, signer Signer, ids []uint64) (TxHandle, error)
	Revoke(ctx context.Context, signer Signer, id uint64, reason string) (TxHandle, error)
	RequestBurn(ctx context.Context, signer Signer, id uint64, reason string) (TxHandle, error)
	RequestBurnBatch(ctx context.Context, signer Signer, ids []uint64, reason string) (TxHandle, error)
	CancelBurn(ctx context.Context, signer Signer, id uint64) (TxHandle, error)
	ApproveBurn(ctx context.Context, signer Signer, id uint64) (TxHandle, error)
	Burn(ctx context.Context, signer Signer, id uint64) (TxHandle, error)
	Await(ctx context.Context, handle TxHandle) (Receipt, error)

	// Subscriptions.
	On(name EventName, handler func(Event)) SubscriptionID
	OnBlock(handler func(height uint64)) SubscriptionID
	Off(id SubscriptionID)
}
