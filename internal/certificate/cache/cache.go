package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
)

// Store is the TTL-bounded key/value cache backing the sync engine. Reads
// treat expired entries as absent. A Store never returns an error: the memory
// implementation cannot fail, and the Redis implementation degrades to a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	InvalidateByPrefix(ctx context.Context, prefix string)
}

// Key namespaces. Everything cached lives under one of these prefixes so
// targeted invalidation stays cheap.
const (
	PrefixRecord   = "record:"
	PrefixMetadata = "metadata:"
	PrefixImage    = "image:"
	PrefixList     = "list:"
	PrefixBurnReq  = "burnreq:"
)

func RecordKey(id uint64) string      { return PrefixRecord + strconv.FormatUint(id, 10) }
func MetadataKey(ref string) string   { return PrefixMetadata + ref }
func ImageKey(ref string) string      { return PrefixImage + ref }
func ListKey(scopeKey string) string  { return PrefixList + scopeKey }
func BurnRequestKey(id uint64) string { return PrefixBurnReq + strconv.FormatUint(id, 10) }

// RecordEntry wraps a cached record with its optimistic-write bookkeeping.
// Confirmed entries have RollbackTo nil; optimistic ones carry the exact
// pre-transition value so rollback is a pure overwrite.
type RecordEntry struct {
	Record     models.CertificateRecord  `json:"record"`
	Optimistic bool                      `json:"optimistic,omitempty"`
	RollbackTo *models.CertificateRecord `json:"rollback_to,omitempty"`
}

// Confirmed builds a settled entry.
func Confirmed(record models.CertificateRecord) RecordEntry {
	return RecordEntry{Record: record}
}

// Optimistic builds a provisional entry remembering its rollback value.
func Optimistic(record, rollbackTo models.CertificateRecord) RecordEntry {
	return RecordEntry{Record: record, Optimistic: true, RollbackTo: &rollbackTo}
}

// GetRecord reads a record entry, reporting a miss on absent or undecodable
// values.
func GetRecord(ctx context.Context, s Store, id uint64) (RecordEntry, bool) {
	raw, ok := s.Get(ctx, RecordKey(id))
	if !ok {
		return RecordEntry{}, false
	}
	var entry RecordEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.Invalidate(ctx, RecordKey(id))
		return RecordEntry{}, false
	}
	return entry, true
}

// SetRecord writes a record entry under its namespaced key.
func SetRecord(ctx context.Context, s Store, entry RecordEntry, ttl time.Duration) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.Set(ctx, RecordKey(entry.Record.ID), raw, ttl)
}

// GetIDList reads a cached identifier sequence for a scope key.
func GetIDList(ctx context.Context, s Store, scopeKey string) ([]uint64, bool) {
	raw, ok := s.Get(ctx, ListKey(scopeKey))
	if !ok {
		return nil, false
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		s.Invalidate(ctx, ListKey(scopeKey))
		return nil, false
	}
	return ids, true
}

// SetIDList caches an identifier sequence for a scope key.
func SetIDList(ctx context.Context, s Store, scopeKey string, ids []uint64, ttl time.Duration) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	s.Set(ctx, ListKey(scopeKey), raw, ttl)
}

// GetBurnRequest reads a tracked burn request for a certificate.
func GetBurnRequest(ctx context.Context, s Store, certificateID uint64) (models.BurnRequest, bool) {
	raw, ok := s.Get(ctx, BurnRequestKey(certificateID))
	if !ok {
		return models.BurnRequest{}, false
	}
	var req models.BurnRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.BurnRequest{}, false
	}
	return req, true
}

// SetBurnRequest tracks a burn request for a certificate.
func SetBurnRequest(ctx context.Context, s Store, req models.BurnRequest, ttl time.Duration) {
	raw, err := json.Marshal(req)
	if err != nil {
		return
	}
	s.Set(ctx, BurnRequestKey(req.CertificateID), raw, ttl)
}
