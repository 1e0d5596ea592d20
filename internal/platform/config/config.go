package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures everything cmd/server needs from the environment.
type Server struct {
	Addr          string
	LogLevel      string
	JWTSigningKey string
	JWTIssuer     string

	// RedisURL switches the cache store to Redis when set; empty means the
	// in-memory store.
	RedisURL string

	RecordTTL time.Duration
	ListTTL   time.Duration

	BatchSize      int
	Concurrency    int
	FallbackWindow uint64
	ReadsPerSecond float64
	ReadBurst      int

	MetadataGateways []string

	UnknownIssuanceThreshold int
	BlockSampleSize          int

	BurnGrace time.Duration
	// BurnTimelock is the contract-enforced delay between burn request and
	// execution on the dev ledger.
	BurnTimelock time.Duration
	// BlockInterval is the simulated chain's block cadence in dev mode.
	BlockInterval time.Duration

	// AdminAddress and InstitutionAddress are granted their ledger roles at
	// startup so a fresh dev instance is immediately usable.
	AdminAddress       string
	InstitutionAddress string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:          envString("CERTDASH_ADDR", ":8080"),
		LogLevel:      envString("CERTDASH_LOG_LEVEL", "info"),
		JWTSigningKey: envString("CERTDASH_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:     envString("CERTDASH_JWT_ISSUER", "certdash"),

		RedisURL: os.Getenv("CERTDASH_REDIS_URL"),

		RecordTTL: envDuration("CERTDASH_RECORD_TTL", 5*time.Minute),
		ListTTL:   envDuration("CERTDASH_LIST_TTL", 2*time.Minute),

		BatchSize:      envInt("CERTDASH_BATCH_SIZE", 12),
		Concurrency:    envInt("CERTDASH_FETCH_CONCURRENCY", 4),
		FallbackWindow: uint64(envInt("CERTDASH_FALLBACK_WINDOW", 500)),
		ReadsPerSecond: envFloat("CERTDASH_READS_PER_SECOND", 50),
		ReadBurst:      envInt("CERTDASH_READ_BURST", 20),

		MetadataGateways: envList("CERTDASH_METADATA_GATEWAYS",
			"https://ipfs.io/ipfs/", "https://cloudflare-ipfs.com/ipfs/"),

		UnknownIssuanceThreshold: envInt("CERTDASH_ISSUANCE_REFETCH_THRESHOLD", 5),
		BlockSampleSize:          envInt("CERTDASH_BLOCK_SAMPLE_SIZE", 8),

		BurnGrace:     envDuration("CERTDASH_BURN_GRACE", 8*time.Second),
		BurnTimelock:  envDuration("CERTDASH_BURN_TIMELOCK", 24*time.Hour),
		BlockInterval: envDuration("CERTDASH_BLOCK_INTERVAL", 12*time.Second),

		AdminAddress:       envString("CERTDASH_ADMIN_ADDRESS", "0x00000000000000000000000000000000000000a1"),
		InstitutionAddress: envString("CERTDASH_INSTITUTION_ADDRESS", "0x00000000000000000000000000000000000000b1"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback ...string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
