package symbolserver

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the symbol server.
type Config struct {
	Addr                string        `env:"ADDR,default=:8080"`
	DBDSN               string        `env:"DB_DSN,required"`
	NATSURL             string        `env:"NATS_URL"`
	Bucket              string        `env:"S3_BUCKET,required"`
	GuestAccess         bool          `env:"GUEST_ACCESS,default=false"`
	CacheSize           int           `env:"CACHE_SIZE,default=4096"`
	CacheTTL            time.Duration `env:"CACHE_TTL,default=1h"`
	MissCacheSize       int           `env:"MISS_CACHE_SIZE,default=2048"`
	MissCacheTTL        time.Duration `env:"MISS_CACHE_TTL,default=3h"`
	MaxMetadataReads    int           `env:"MAX_METADATA_READS,default=10"`
	MetadataReadTimeout time.Duration `env:"METADATA_READ_TIMEOUT,default=5s"`
	RateLimit           int           `env:"RATE_LIMIT,default=600"`
	OTLPEndpoint        string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TempDir             string        `env:"TEMP_DIR"`
}

// LoadConfig returns a Config populated from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.CacheSize <= 0 {
		errs = append(errs, errors.New("CACHE_SIZE must be positive"))
	}
	if c.MissCacheSize <= 0 {
		errs = append(errs, errors.New("MISS_CACHE_SIZE must be positive"))
	}
	if c.CacheTTL <= 0 || c.MissCacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.MaxMetadataReads <= 0 {
		errs = append(errs, errors.New("MAX_METADATA_READS must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}

// CacheConfig returns the lookup cache settings.
func (c Config) CacheConfig() CacheConfig {
	return CacheConfig{Size: c.CacheSize, TTL: c.CacheTTL, MissSize: c.MissCacheSize, MissTTL: c.MissCacheTTL}
}
