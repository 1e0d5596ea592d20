// Package lifecycle drives certificate state transitions through the ledger:
// verification, revocation and the burn workflow. Every transition submits
// exactly one ledger write, speculatively applied to the cache and rolled
// back if the write does not confirm.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/metrics"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Config tunes write handling and the burn display behavior.
type Config struct {
	// BurnGrace is how long a burned record stays visible, flagged Burning,
	// before it leaves views and the cache.
	BurnGrace time.Duration
	// RecordTTL matches the fetch layer's cache lifetime.
	RecordTTL time.Duration
	// BurnRequestTTL bounds how long a tracked burn request outlives its
	// timelock.
	BurnRequestTTL time.Duration
	// WriteTimeout bounds submit plus confirmation for one transition.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BurnGrace <= 0 {
		c.BurnGrace = 8 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 5 * time.Minute
	}
	if c.BurnRequestTTL <= 0 {
		c.BurnRequestTTL = 24 * time.Hour
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Coordinator owns the write path. Reads go through the fetch orchestrator so
// transition preconditions see the same records views do.
type Coordinator struct {
	ledger  ledger.Client
	orch    *fetch.Orchestrator
	store   cache.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator wires a lifecycle coordinator. metrics may be nil.
func NewCoordinator(
	lc ledger.Client,
	orch *fetch.Orchestrator,
	store cache.Store,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		ledger:  lc,
		orch:    orch,
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Close cancels pending burn-grace timers and refuses further transitions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Verify advances a pending certificate to verified.
func (c *Coordinator) Verify(ctx context.Context, signer ledger.Signer, id uint64) (models.CertificateRecord, error) {
	return c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if !r.CanVerify() {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d is %s, not pending verification", id, r.Status))
			}
			r.ApplyStatus(models.StatusVerified)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.Verify(ctx, signer, id)
		},
	)
}

// Revoke marks a certificate revoked. Revocation is terminal.
func (c *Coordinator) Revoke(ctx context.Context, signer ledger.Signer, id uint64, reason string) (models.CertificateRecord, error) {
	return c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if !r.CanRevoke() {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d is already revoked", id))
			}
			r.ApplyStatus(models.StatusRevoked)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.Revoke(ctx, signer, id, reason)
		},
	)
}

// VerifyBatch verifies all ids in a single ledger write. The batch is
// all-or-nothing: any invalid member fails the whole call with no write.
func (c *Coordinator) VerifyBatch(ctx context.Context, signer ledger.Signer, ids []uint64) ([]models.CertificateRecord, error) {
	return c.batchTransition(ctx, ids,
		func(r *models.CertificateRecord) error {
			if !r.CanVerify() {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d is %s, not pending verification", r.ID, r.Status))
			}
			r.ApplyStatus(models.StatusVerified)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.VerifyBatch(ctx, signer, ids)
		},
	)
}

// RequestBurn opens the burn workflow for a certificate and tracks the
// resulting timelocked request.
func (c *Coordinator) RequestBurn(ctx context.Context, signer ledger.Signer, id uint64, reason string) (models.BurnRequest, error) {
	timelock, err := c.ledger.BurnTimelock(ctx)
	if err != nil {
		return models.BurnRequest{}, categorizeWriteError(err)
	}

	_, err = c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if r.Burn != models.BurnNone {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d already has a burn in progress", id))
			}
			r.ApplyBurn(models.BurnRequested)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.RequestBurn(ctx, signer, id, reason)
		},
	)
	if err != nil {
		return models.BurnRequest{}, err
	}

	req := models.BurnRequest{
		ID:            ulid.Make().String(),
		CertificateID: id,
		Reason:        reason,
		RequestedAt:   time.Now(),
		Timelock:      timelock,
	}
	cache.SetBurnRequest(ctx, c.store, req, c.cfg.BurnRequestTTL)
	return req, nil
}

// RequestBurnBatch opens the burn workflow for every id in one ledger write,
// all-or-nothing.
func (c *Coordinator) RequestBurnBatch(ctx context.Context, signer ledger.Signer, ids []uint64, reason string) ([]models.BurnRequest, error) {
	timelock, err := c.ledger.BurnTimelock(ctx)
	if err != nil {
		return nil, categorizeWriteError(err)
	}

	_, err = c.batchTransition(ctx, ids,
		func(r *models.CertificateRecord) error {
			if r.Burn != models.BurnNone {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d already has a burn in progress", r.ID))
			}
			r.ApplyBurn(models.BurnRequested)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.RequestBurnBatch(ctx, signer, ids, reason)
		},
	)
	if err != nil {
		return nil, err
	}

	reqs := make([]models.BurnRequest, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		req := models.BurnRequest{
			ID:            ulid.Make().String(),
			CertificateID: id,
			Reason:        reason,
			RequestedAt:   now,
			Timelock:      timelock,
		}
		cache.SetBurnRequest(ctx, c.store, req, c.cfg.BurnRequestTTL)
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// CancelBurn withdraws a requested burn, the one allowed regression on the
// burn axis.
func (c *Coordinator) CancelBurn(ctx context.Context, signer ledger.Signer, id uint64) (models.CertificateRecord, error) {
	record, err := c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if r.Burn != models.BurnRequested {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d has no cancellable burn request", id))
			}
			r.ApplyBurn(models.BurnNone)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.CancelBurn(ctx, signer, id)
		},
	)
	if err != nil {
		return record, err
	}
	c.store.Invalidate(ctx, cache.BurnRequestKey(id))
	return record, nil
}

// ApproveBurn moves a requested burn to approved.
func (c *Coordinator) ApproveBurn(ctx context.Context, signer ledger.Signer, id uint64) (models.CertificateRecord, error) {
	record, err := c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if r.Burn != models.BurnRequested {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d has no burn request to approve", id))
			}
			r.ApplyBurn(models.BurnApproved)
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.ApproveBurn(ctx, signer, id)
		},
	)
	if err != nil {
		return record, err
	}
	if req, ok := cache.GetBurnRequest(ctx, c.store, id); ok {
		req.Approved = true
		cache.SetBurnRequest(ctx, c.store, req, c.cfg.BurnRequestTTL)
	}
	return record, nil
}

// ExecuteBurn burns an approved certificate once its timelock has elapsed.
func (c *Coordinator) ExecuteBurn(ctx context.Context, signer ledger.Signer, id uint64) (models.CertificateRecord, error) {
	if req, ok := cache.GetBurnRequest(ctx, c.store, id); ok {
		if remaining := time.Until(req.EarliestBurnAt()); remaining > 0 {
			return models.CertificateRecord{}, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("burn timelock for certificate %d elapses in %s", id, remaining.Round(time.Second)))
		}
	}
	record, err := c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if r.Burn != models.BurnApproved {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d burn is %s, not approved", id, r.Burn))
			}
			r.ApplyBurn(models.BurnBurned)
			r.Burning = true
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.Burn(ctx, signer, id)
		},
	)
	if err != nil {
		return record, err
	}
	c.scheduleBurnCleanup(id)
	return record, nil
}

// DirectBurn lets an admin burn a certificate without the request/approve
// workflow.
func (c *Coordinator) DirectBurn(ctx context.Context, signer ledger.Signer, id uint64) (models.CertificateRecord, error) {
	record, err := c.transition(ctx, id,
		func(r *models.CertificateRecord) error {
			if r.Burn == models.BurnBurned {
				return dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("certificate %d is already burned", id))
			}
			r.Burn = models.BurnBurned
			r.Burning = true
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.Burn(ctx, signer, id)
		},
	)
	if err != nil {
		return record, err
	}
	c.scheduleBurnCleanup(id)
	return record, nil
}

// transition runs one optimistic write cycle. speculate validates the
// precondition and mutates the copy; returning an error aborts with zero
// ledger writes. submit must issue exactly one write.
func (c *Coordinator) transition(
	ctx context.Context,
	id uint64,
	speculate func(*models.CertificateRecord) error,
	submit func(context.Context) (ledger.TxHandle, error),
) (models.CertificateRecord, error) {
	if c.isClosed() {
		return models.CertificateRecord{}, dErrors.New(dErrors.CodeInternal, "lifecycle coordinator is shut down")
	}
	current, err := c.orch.LoadRecord(ctx, id)
	if err != nil {
		return models.CertificateRecord{}, err
	}
	next := current
	if err := speculate(&next); err != nil {
		return current, err
	}

	cache.SetRecord(ctx, c.store, cache.Optimistic(next, current), c.cfg.RecordTTL)

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	handle, err := submit(writeCtx)
	if err != nil {
		c.rollback(ctx, id, current)
		return current, categorizeWriteError(err)
	}
	receipt, err := c.ledger.Await(writeCtx, handle)
	if err != nil {
		c.rollback(ctx, id, current)
		return current, categorizeWriteError(err)
	}
	if !receipt.Success {
		c.rollback(ctx, id, current)
		return current, dErrors.New(dErrors.CodeTxFailed, "transaction reverted: "+receipt.Reason)
	}

	cache.SetRecord(ctx, c.store, cache.Confirmed(next), c.cfg.RecordTTL)
	c.logger.InfoContext(ctx, "transition confirmed",
		"certificate_id", id,
		"tx", receipt.TxHash,
		"block", receipt.Block,
	)
	return next, nil
}

// batchTransition is transition generalized to one write covering several
// records. Preconditions are checked for every member before anything is
// speculated, so an invalid member means zero writes.
func (c *Coordinator) batchTransition(
	ctx context.Context,
	ids []uint64,
	speculate func(*models.CertificateRecord) error,
	submit func(context.Context) (ledger.TxHandle, error),
) ([]models.CertificateRecord, error) {
	if c.isClosed() {
		return nil, dErrors.New(dErrors.CodeInternal, "lifecycle coordinator is shut down")
	}
	if len(ids) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "empty batch")
	}

	currents := make([]models.CertificateRecord, 0, len(ids))
	nexts := make([]models.CertificateRecord, 0, len(ids))
	for _, id := range ids {
		current, err := c.orch.LoadRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current
		if err := speculate(&next); err != nil {
			return nil, err
		}
		currents = append(currents, current)
		nexts = append(nexts, next)
	}

	for i, next := range nexts {
		cache.SetRecord(ctx, c.store, cache.Optimistic(next, currents[i]), c.cfg.RecordTTL)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	rollbackAll := func() {
		for i, current := range currents {
			c.rollback(ctx, ids[i], current)
		}
	}

	handle, err := submit(writeCtx)
	if err != nil {
		rollbackAll()
		return nil, categorizeWriteError(err)
	}
	receipt, err := c.ledger.Await(writeCtx, handle)
	if err != nil {
		rollbackAll()
		return nil, categorizeWriteError(err)
	}
	if !receipt.Success {
		rollbackAll()
		return nil, dErrors.New(dErrors.CodeTxFailed, "batch reverted: "+receipt.Reason)
	}

	for _, next := range nexts {
		cache.SetRecord(ctx, c.store, cache.Confirmed(next), c.cfg.RecordTTL)
	}
	c.logger.InfoContext(ctx, "batch transition confirmed",
		"count", len(ids),
		"tx", receipt.TxHash,
		"block", receipt.Block,
	)
	return nexts, nil
}

func (c *Coordinator) rollback(ctx context.Context, id uint64, previous models.CertificateRecord) {
	if c.isClosed() {
		return
	}
	cache.SetRecord(ctx, c.store, cache.Confirmed(previous), c.cfg.RecordTTL)
	c.metrics.IncOptimisticRollback()
	c.logger.WarnContext(ctx, "optimistic update rolled back", "certificate_id", id)
}

// scheduleBurnCleanup removes a burned record from views and cache after the
// display grace period. The timer never blocks the caller.
func (c *Coordinator) scheduleBurnCleanup(id uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(c.cfg.BurnGrace):
		case <-c.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.orch.RemoveFromViews(ctx, id)
		c.store.Invalidate(ctx, cache.RecordKey(id))
		c.store.Invalidate(ctx, cache.BurnRequestKey(id))
	}()
}

// categorizeWriteError maps transport and signer failures into the domain
// taxonomy so callers can present them distinctly.
func categorizeWriteError(err error) error {
	var revert *ledger.RevertError
	switch {
	case errors.Is(err, ledger.ErrRejected):
		return dErrors.Wrap(dErrors.CodeTxRejected, "signer rejected the transaction", err)
	case errors.As(err, &revert):
		return dErrors.Wrap(dErrors.CodeTxFailed, "transaction reverted: "+revert.Reason, err)
	case errors.Is(err, ledger.ErrNoSession):
		return dErrors.Wrap(dErrors.CodeConnectivity, "no active ledger session", err)
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(dErrors.CodeConnectivity, "transaction timed out", err)
	case strings.Contains(strings.ToLower(err.Error()), "insufficient"):
		return dErrors.Wrap(dErrors.CodeTxFailed, "insufficient funds to submit the transaction", err)
	default:
		return dErrors.Wrap(dErrors.CodeInternal, "transaction failed", err)
	}
}
