// Package search evaluates multi-criteria filters over locally loaded
// certificate records. Evaluation is pure; anything that would need a remote
// read comes back as a plan for the caller, never a hidden ledger call.
package search

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/cache"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// EmptyReason says why a search produced no rows. An active filter matching
// nothing is a different situation from a scope that has nothing to match.
type EmptyReason string

const (
	// EmptyNone: the result has rows.
	EmptyNone EmptyReason = ""
	// EmptyNoMatch: records were loaded, the filter excluded all of them.
	EmptyNoMatch EmptyReason = "no_match"
	// EmptyScope: the view is loaded and legitimately contains no records.
	EmptyScope EmptyReason = "scope_empty"
	// EmptyNotLoaded: no view has been loaded for the scope yet, so local
	// evaluation cannot say anything.
	EmptyNotLoaded EmptyReason = "not_loaded"
)

// RemotePlan names the direct lookups that could answer a query beyond the
// loaded window. The engine never executes it.
type RemotePlan struct {
	// HolderScope is set when the query pins an exact student address: that
	// holder's full enumeration can be loaded directly.
	HolderScope *models.Scope
	// InstitutionScope likewise for an exact institution address.
	InstitutionScope *models.Scope
}

// Result is one search evaluation over a loaded view.
type Result struct {
	Records []models.CertificateRecord
	IDs     []uint64
	Reason  EmptyReason
	// Partial mirrors the underlying view: the loaded window may not cover
	// the whole scope, so "no match" is not a proof of absence.
	Partial bool
	Remote  *RemotePlan
}

// Validate normalizes the query in place and rejects malformed criteria.
// It runs before any evaluation or remote call.
func Validate(q *models.SearchQuery) error {
	q.FreeText = strings.TrimSpace(q.FreeText)
	q.CourseName = strings.TrimSpace(q.CourseName)

	if q.StudentAddress != "" {
		addr, err := models.NormalizeAddress(q.StudentAddress)
		if err != nil {
			return err
		}
		q.StudentAddress = addr
	}
	if q.InstitutionAddress != "" {
		addr, err := models.NormalizeAddress(q.InstitutionAddress)
		if err != nil {
			return err
		}
		q.InstitutionAddress = addr
	}
	switch q.Status {
	case "", models.FilterAll, models.FilterPending, models.FilterVerified, models.FilterRevoked:
	default:
		return dErrors.New(dErrors.CodeValidation, "unknown status filter: "+string(q.Status))
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return dErrors.New(dErrors.CodeValidation, "date range start is after its end")
	}
	return nil
}

// Matches reports whether a record satisfies every active criterion.
func Matches(record models.CertificateRecord, q models.SearchQuery) bool {
	if q.FreeText != "" && !matchesFreeText(record, q.FreeText) {
		return false
	}
	if q.StudentAddress != "" && record.Student != q.StudentAddress {
		return false
	}
	if q.InstitutionAddress != "" && record.Institution != q.InstitutionAddress {
		return false
	}
	if q.CourseName != "" && !containsFold(record.CourseName, q.CourseName) {
		return false
	}
	if q.Status != "" && q.Status != models.FilterAll && string(record.Status) != string(q.Status) {
		return false
	}
	if q.From != nil && record.CompletedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && record.CompletedAt.After(*q.To) {
		return false
	}
	return true
}

// matchesFreeText checks the record id and course name for a case-insensitive
// substring hit.
func matchesFreeText(record models.CertificateRecord, text string) bool {
	if strings.Contains(strconv.FormatUint(record.ID, 10), text) {
		return true
	}
	return containsFold(record.CourseName, text)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Apply filters records in order. An empty query is the identity, which is
// what makes clearing filters restore the loaded view unchanged.
func Apply(records []models.CertificateRecord, q models.SearchQuery) []models.CertificateRecord {
	if q.IsEmpty() {
		return records
	}
	matched := make([]models.CertificateRecord, 0, len(records))
	for _, record := range records {
		if Matches(record, q) {
			matched = append(matched, record)
		}
	}
	return matched
}

// PlanRemoteQuery derives the direct lookups that could extend a query past
// the loaded window.
func PlanRemoteQuery(q models.SearchQuery) *RemotePlan {
	var plan RemotePlan
	if q.StudentAddress != "" {
		plan.HolderScope = &models.Scope{Role: models.RoleHolder, Address: q.StudentAddress}
	}
	if q.InstitutionAddress != "" {
		plan.InstitutionScope = &models.Scope{Role: models.RoleInstitution, Address: q.InstitutionAddress}
	}
	if plan.HolderScope == nil && plan.InstitutionScope == nil {
		return nil
	}
	return &plan
}

// Engine evaluates queries against the records behind a published view.
type Engine struct {
	orch   *fetch.Orchestrator
	store  cache.Store
	logger *slog.Logger
}

func NewEngine(orch *fetch.Orchestrator, store cache.Store, logger *slog.Logger) *Engine {
	return &Engine{orch: orch, store: store, logger: logger}
}

// Search validates the query and evaluates it over the records loaded for the
// scope key. Records in the view whose cache entries have expired are skipped
// rather than re-fetched; the result is flagged partial in that case.
func (e *Engine) Search(ctx context.Context, scopeKey string, q models.SearchQuery) (Result, error) {
	if err := Validate(&q); err != nil {
		return Result{}, err
	}

	view, ok := e.orch.View(scopeKey)
	if !ok {
		return Result{Reason: EmptyNotLoaded, Remote: PlanRemoteQuery(q)}, nil
	}
	if len(view.OrderedIDs) == 0 {
		return Result{Reason: EmptyScope, Partial: view.Partial, Remote: PlanRemoteQuery(q)}, nil
	}

	partial := view.Partial
	loaded := make([]models.CertificateRecord, 0, len(view.OrderedIDs))
	for _, id := range view.OrderedIDs {
		entry, ok := cache.GetRecord(ctx, e.store, id)
		if !ok {
			e.logger.DebugContext(ctx, "skipping expired record during search", "certificate_id", id)
			partial = true
			continue
		}
		loaded = append(loaded, entry.Record)
	}

	matched := Apply(loaded, q)
	result := Result{
		Records: matched,
		IDs:     make([]uint64, 0, len(matched)),
		Partial: partial,
	}
	for _, record := range matched {
		result.IDs = append(result.IDs, record.ID)
	}
	if len(matched) == 0 {
		result.Reason = EmptyNoMatch
		result.Remote = PlanRemoteQuery(q)
	}
	return result, nil
}
