package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is a deterministic in-process ledger used by the dev server and
// by tests. It models the contract surface closely enough to exercise the sync
// engine: sequential ids, role checks, all-or-nothing batches, and synchronous
// event fan-out on confirmation.
//
// Test knobs (ReadErr, RejectWrites, RevertNext, Offline, Latency) make
// failure paths reproducible without a real chain.
type MemoryLedger struct {
	mu       sync.RWMutex
	records  map[uint64]*Record
	order    []uint64 // issuance order, backs TokenByIndex
	roles    map[string]map[string]bool
	height   uint64
	timelock time.Duration

	pending map[TxHandle]pendingTx
	txSeq   uint64

	eventSubs map[SubscriptionID]eventSub
	blockSubs map[SubscriptionID]func(uint64)

	// Test knobs.
	ReadErr          map[uint64]error
	RejectWrites     bool
	RevertNext       string
	Offline          bool
	Latency          time.Duration
	DisableIssuerIdx bool
}

type eventSub struct {
	name    EventName
	handler func(Event)
}

type pendingTx struct {
	apply func() (events []Event, reason string)
}

// NewMemoryLedger builds an empty simulated ledger with the given burn
// timelock.
func NewMemoryLedger(timelock time.Duration) *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[uint64]*Record),
		roles:     make(map[string]map[string]bool),
		pending:   make(map[TxHandle]pendingTx),
		eventSubs: make(map[SubscriptionID]eventSub),
		blockSubs: make(map[SubscriptionID]func(uint64)),
		ReadErr:   make(map[uint64]error),
		timelock:  timelock,
	}
}

// GrantRole assigns a contract role to an address.
func (l *MemoryLedger) GrantRole(role, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := strings.ToLower(address)
	if l.roles[role] == nil {
		l.roles[role] = make(map[string]bool)
	}
	l.roles[role][addr] = true
}

// Issue mints a record, assigns the next sequential id, and emits
// CertificateIssued. It stands in for the out-of-scope issuance flow.
func (l *MemoryLedger) Issue(student, institution, courseID, courseName, grade string, completedAt time.Time, metadataRef string) uint64 {
	l.mu.Lock()
	id := uint64(len(l.order) + 1)
	rec := &Record{
		ID:          id,
		Student:     strings.ToLower(student),
		Institution: strings.ToLower(institution),
		CourseID:    courseID,
		CourseName:  courseName,
		Grade:       grade,
		CompletedAt: completedAt,
		MetadataRef: metadataRef,
		BurnState:   "none",
	}
	l.records[id] = rec
	l.order = append(l.order, id)
	l.height++
	ev := Event{
		Name:          EventIssued,
		CertificateID: id,
		Student:       rec.Student,
		Institution:   rec.Institution,
		Block:         l.height,
		TxHash:        l.nextTxHashLocked(),
		At:            time.Now(),
	}
	l.mu.Unlock()

	l.emit(ev)
	l.notifyBlock()
	return id
}

// AdvanceBlock bumps the chain height and notifies block subscribers. The dev
// server runs this on a ticker to simulate block production.
func (l *MemoryLedger) AdvanceBlock() {
	l.mu.Lock()
	l.height++
	l.mu.Unlock()
	l.notifyBlock()
}

// Height returns the current simulated chain height.
func (l *MemoryLedger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

func (l *MemoryLedger) sleep(ctx context.Context) error {
	if l.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(l.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *MemoryLedger) checkOnline() error {
	if l.Offline {
		return ErrNoSession
	}
	return nil
}

// Record implements Client.
func (l *MemoryLedger) Record(ctx context.Context, id uint64) (Record, error) {
	if err := l.checkOnline(); err != nil {
		return Record{}, err
	}
	if err := l.sleep(ctx); err != nil {
		return Record{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.ReadErr[id]; err != nil {
		return Record{}, err
	}
	rec, ok := l.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (l *MemoryLedger) TotalSupply(ctx context.Context) (uint64, error) {
	if err := l.checkOnline(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.order)), nil
}

func (l *MemoryLedger) TokenByIndex(ctx context.Context, index uint64) (uint64, error) {
	if err := l.checkOnline(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.order)) {
		return 0, ErrNotFound
	}
	return l.order[index], nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, owner string) (uint64, error) {
	if err := l.checkOnline(); err != nil {
		return 0, err
	}
	owner = strings.ToLower(owner)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n uint64
	for _, id := range l.order {
		if l.records[id].Student == owner {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) TokenOfOwnerByIndex(ctx context.Context, owner string, index uint64) (uint64, error) {
	if err := l.checkOnline(); err != nil {
		return 0, err
	}
	owner = strings.ToLower(owner)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n uint64
	for _, id := range l.order {
		if l.records[id].Student == owner {
			if n == index {
				return id, nil
			}
			n++
		}
	}
	return 0, ErrNotFound
}

func (l *MemoryLedger) TokensOfInstitution(ctx context.Context, institution string, offset, limit uint64) ([]uint64, error) {
	if err := l.checkOnline(); err != nil {
		return nil, err
	}
	if l.DisableIssuerIdx {
		return nil, ErrNoIssuerIndex
	}
	institution = strings.ToLower(institution)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var owned []uint64
	for _, id := range l.order {
		if l.records[id].Institution == institution {
			owned = append(owned, id)
		}
	}
	if offset >= uint64(len(owned)) {
		return nil, nil
	}
	end := offset + limit
	if end > uint64(len(owned)) {
		end = uint64(len(owned))
	}
	return owned[offset:end], nil
}

func (l *MemoryLedger) SupportsIssuerIndex() bool { return !l.DisableIssuerIdx }

func (l *MemoryLedger) HasRole(ctx context.Context, role, address string) (bool, error) {
	if err := l.checkOnline(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roles[role][strings.ToLower(address)], nil
}

func (l *MemoryLedger) BurnTimelock(ctx context.Context) (time.Duration, error) {
	if err := l.checkOnline(); err != nil {
		return 0, err
	}
	return l.timelock, nil
}

func (l *MemoryLedger) nextTxHashLocked() string {
	l.txSeq++
	return fmt.Sprintf("0xsim%08x", l.txSeq)
}

// submit queues a state transition behind a handle. The transition runs when
// the caller awaits the handle, mirroring submit/confirm on a real chain.
func (l *MemoryLedger) submit(apply func() ([]Event, string)) (TxHandle, error) {
	if err := l.checkOnline(); err != nil {
		return "", err
	}
	if l.RejectWrites {
		return "", ErrRejected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	handle := TxHandle(l.nextTxHashLocked())
	l.pending[handle] = pendingTx{apply: apply}
	return handle, nil
}

// Await implements Client. Confirmation advances the chain by one block and
// delivers events synchronously before returning.
func (l *MemoryLedger) Await(ctx context.Context, handle TxHandle) (Receipt, error) {
	if err := l.sleep(ctx); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	tx, ok := l.pending[handle]
	if !ok {
		l.mu.Unlock()
		return Receipt{}, fmt.Errorf("unknown transaction %s", handle)
	}
	delete(l.pending, handle)

	if l.RevertNext != "" {
		reason := l.RevertNext
		l.RevertNext = ""
		l.height++
		receipt := Receipt{TxHash: string(handle), Block: l.height, Success: false, Reason: reason}
		l.mu.Unlock()
		l.notifyBlock()
		return receipt, nil
	}

	events, reason := tx.apply()
	l.height++
	receipt := Receipt{TxHash: string(handle), Block: l.height, Success: reason == "", Reason: reason}
	for i := range events {
		events[i].Block = l.height
		events[i].TxHash = string(handle)
		events[i].At = time.Now()
	}
	l.mu.Unlock()

	for _, ev := range events {
		l.emit(ev)
	}
	l.notifyBlock()
	return receipt, nil
}

func (l *MemoryLedger) requireRoleLocked(signer Signer, roles ...string) string {
	addr := strings.ToLower(signer.Address)
	for _, role := range roles {
		if l.roles[role][addr] {
			return ""
		}
	}
	return "missing role"
}

// Verify implements Client.
func (l *MemoryLedger) Verify(ctx context.Context, signer Signer, id uint64) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		if reason := l.requireRoleLocked(signer, RoleInstitution, RoleAdmin); reason != "" {
			return nil, reason
		}
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		if rec.Revoked {
			return nil, "certificate revoked"
		}
		rec.Verified = true
		return []Event{{Name: EventVerified, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

// VerifyBatch confirms all ids in one transaction; any invalid id reverts the
// whole batch.
func (l *MemoryLedger) VerifyBatch(ctx context.Context, signer Signer, ids []uint64) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		if reason := l.requireRoleLocked(signer, RoleInstitution, RoleAdmin); reason != "" {
			return nil, reason
		}
		for _, id := range ids {
			rec, ok := l.records[id]
			if !ok || rec.Revoked {
				return nil, fmt.Sprintf("batch item %d invalid", id)
			}
		}
		events := make([]Event, 0, len(ids))
		for _, id := range ids {
			rec := l.records[id]
			rec.Verified = true
			events = append(events, Event{Name: EventVerified, CertificateID: id, Student: rec.Student, Institution: rec.Institution})
		}
		return events, ""
	})
}

func (l *MemoryLedger) Revoke(ctx context.Context, signer Signer, id uint64, reason string) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		if r := l.requireRoleLocked(signer, RoleInstitution, RoleAdmin); r != "" {
			return nil, r
		}
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		if rec.Revoked {
			return nil, "already revoked"
		}
		rec.Revoked = true
		return []Event{{Name: EventRevoked, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

func (l *MemoryLedger) RequestBurn(ctx context.Context, signer Signer, id uint64, reason string) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		if rec.BurnState != "none" {
			return nil, "burn already in progress"
		}
		rec.BurnState = "requested"
		return []Event{{Name: EventBurnRequested, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

func (l *MemoryLedger) RequestBurnBatch(ctx context.Context, signer Signer, ids []uint64, reason string) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		for _, id := range ids {
			rec, ok := l.records[id]
			if !ok || rec.BurnState != "none" {
				return nil, fmt.Sprintf("batch item %d invalid", id)
			}
		}
		events := make([]Event, 0, len(ids))
		for _, id := range ids {
			rec := l.records[id]
			rec.BurnState = "requested"
			events = append(events, Event{Name: EventBurnRequested, CertificateID: id, Student: rec.Student, Institution: rec.Institution})
		}
		return events, ""
	})
}

func (l *MemoryLedger) CancelBurn(ctx context.Context, signer Signer, id uint64) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		if rec.BurnState != "requested" {
			return nil, "no burn request to cancel"
		}
		rec.BurnState = "none"
		return []Event{{Name: EventBurnCancelled, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

func (l *MemoryLedger) ApproveBurn(ctx context.Context, signer Signer, id uint64) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		if r := l.requireRoleLocked(signer, RoleAdmin); r != "" {
			return nil, r
		}
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		if rec.BurnState != "requested" {
			return nil, "burn not requested"
		}
		rec.BurnState = "approved"
		return []Event{{Name: EventBurnApproved, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

// Burn executes an approved burn, or a direct burn when the signer is admin.
func (l *MemoryLedger) Burn(ctx context.Context, signer Signer, id uint64) (TxHandle, error) {
	return l.submit(func() ([]Event, string) {
		rec, ok := l.records[id]
		if !ok {
			return nil, "nonexistent certificate"
		}
		isAdmin := l.roles[RoleAdmin][strings.ToLower(signer.Address)]
		if rec.BurnState != "approved" && !isAdmin {
			return nil, "burn not approved"
		}
		rec.BurnState = "burned"
		return []Event{{Name: EventBurned, CertificateID: id, Student: rec.Student, Institution: rec.Institution}}, ""
	})
}

// On implements Client. Handlers run synchronously on the emitting goroutine.
func (l *MemoryLedger) On(name EventName, handler func(Event)) SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := SubscriptionID(uuid.NewString())
	l.eventSubs[id] = eventSub{name: name, handler: handler}
	return id
}

func (l *MemoryLedger) OnBlock(handler func(uint64)) SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := SubscriptionID(uuid.NewString())
	l.blockSubs[id] = handler
	return id
}

func (l *MemoryLedger) Off(id SubscriptionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.eventSubs, id)
	delete(l.blockSubs, id)
}

func (l *MemoryLedger) emit(ev Event) {
	l.mu.RLock()
	handlers := make([]func(Event), 0, len(l.eventSubs))
	for _, sub := range l.eventSubs {
		if sub.name == ev.Name {
			handlers = append(handlers, sub.handler)
		}
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (l *MemoryLedger) notifyBlock() {
	l.mu.RLock()
	height := l.height
	handlers := make([]func(uint64), 0, len(l.blockSubs))
	for _, h := range l.blockSubs {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()
	for _, h := range handlers {
		h(height)
	}
}

var _ Client = (*MemoryLedger)(nil)
