package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Result is a resolved content reference: the parsed document plus a URL the
// UI can use for the associated asset.
type Result struct {
	Document models.MetadataDocument
	AssetURL string
}

// Resolver turns an opaque content reference into a document. Implementations
// may consult multiple equivalent gateways.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Result, error)
}

// CIDv0 (Qm + 44 base58 chars) or CIDv1 (bafy...). Anything else is rejected
// before a single network call.
var refPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[a-z2-7]{10,})$`)

// ValidateRef rejects malformed content references.
func ValidateRef(ref string) error {
	if !refPattern.MatchString(strings.TrimPrefix(ref, "ipfs://")) {
		return dErrors.New(dErrors.CodeValidation, "malformed content reference: "+ref)
	}
	return nil
}

// normalizeRef strips the ipfs:// scheme prefix when present.
func normalizeRef(ref string) string {
	return strings.TrimPrefix(ref, "ipfs://")
}

// GatewayResolver resolves references over HTTP, trying each configured
// gateway in order until one answers. Responses larger than maxSize are
// rejected to keep a hostile document from exhausting memory.
type GatewayResolver struct {
	gateways []string
	client   *http.Client
	maxSize  int64
	logger   *slog.Logger
}

// Option configures a GatewayResolver.
type Option func(*GatewayResolver)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *GatewayResolver) { r.client = c }
}

// WithMaxDocumentSize caps the accepted document size in bytes.
func WithMaxDocumentSize(n int64) Option {
	return func(r *GatewayResolver) { r.maxSize = n }
}

// NewGatewayResolver builds a resolver over the given gateway base URLs.
func NewGatewayResolver(gateways []string, logger *slog.Logger, opts ...Option) *GatewayResolver {
	r := &GatewayResolver{
		gateways: gateways,
		client:   &http.Client{Timeout: 10 * time.Second},
		maxSize:  1 << 20, // 1 MiB
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve implements Resolver. The first gateway that returns a decodable
// document wins; failures are logged and the next gateway is tried.
func (r *GatewayResolver) Resolve(ctx context.Context, ref string) (Result, error) {
	if err := ValidateRef(ref); err != nil {
		return Result{}, err
	}
	ref = normalizeRef(ref)

	var lastErr error
	for _, gateway := range r.gateways {
		doc, err := r.fetch(ctx, gateway, ref)
		if err != nil {
			r.logger.WarnContext(ctx, "metadata gateway failed",
				"gateway", gateway,
				"ref", ref,
				"error", err,
			)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result := Result{Document: doc}
		if doc.ImageRef != "" {
			result.AssetURL = assetURL(gateway, doc.ImageRef)
		}
		return result, nil
	}
	return Result{}, dErrors.Wrap(dErrors.CodeConnectivity, "all metadata gateways failed", lastErr)
}

func (r *GatewayResolver) fetch(ctx context.Context, gateway, ref string) (models.MetadataDocument, error) {
	url := strings.TrimSuffix(gateway, "/") + "/" + ref
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.MetadataDocument{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return models.MetadataDocument{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.MetadataDocument{}, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, r.maxSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return models.MetadataDocument{}, err
	}
	if int64(len(body)) > r.maxSize {
		return models.MetadataDocument{}, fmt.Errorf("document exceeds %d bytes", r.maxSize)
	}

	var doc models.MetadataDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.MetadataDocument{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func assetURL(gateway, imageRef string) string {
	imageRef = normalizeRef(imageRef)
	return strings.TrimSuffix(gateway, "/") + "/" + imageRef
}
