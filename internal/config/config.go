// Package config carrega a configuração dos binários (env, flags e arquivo YAML opcional)
// via viper. As chaves são os nomes das variáveis de ambiente em minúsculas.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"form-gateway/middleware/ratelimit/domain"
)

// Tipos de WindowStore aceitos em RATE_STORE.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Chaves (env = chave em maiúsculas).
const (
	KeyListenAddr       = "listen_addr"
	KeyUpstreamURL      = "upstream_url"
	KeyLogLevel         = "log_level"
	KeyRateEnabled      = "rate_enabled"
	KeyWindow           = "rate_window"
	KeyMaxRequests      = "rate_max_requests"
	KeySweepProbability = "rate_sweep_probability"
	KeySweepEvery       = "rate_sweep_every"
	KeyLockTimeout      = "rate_lock_timeout"
	KeyStore            = "rate_store"
	KeyStorePath        = "rate_store_path"
	KeyStoreBusyTimeout = "rate_store_busy_timeout"
	KeyStoreRedisAddr   = "rate_store_redis_addr"
	KeyStoreRedisPass   = "rate_store_redis_password"
	KeyStoreRedisDB     = "rate_store_redis_db"
	KeyStoreRedisKey    = "rate_store_redis_key"
	KeyStoreRedisTTL    = "rate_store_redis_ttl"
	KeyKeyHeader        = "rate_key_header"
	KeyTrustXFF         = "trust_xff"
	KeyMethods          = "rate_methods"
	KeyAddHeaders       = "add_ratelimit_headers"
	KeyStatsEnabled     = "rate_stats_enabled"
	KeyStatsRedisAddr   = "rate_stats_redis_addr"
	KeyStatsRedisPass   = "rate_stats_redis_password"
	KeyStatsRedisDB     = "rate_stats_redis_db"
	KeyStatsPrefix      = "rate_stats_prefix"
	KeyStatsTTL         = "rate_stats_ttl"
	KeyStatsTrackIDs    = "rate_stats_track_identities"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Kind string
	// Path é o arquivo JSON (file) ou o banco (sqlite).
	Path        string
	BusyTimeout time.Duration
	Redis       RedisConfig
	RedisKey    string
	RedisTTL    time.Duration
}

type StatsConfig struct {
	Enabled         bool
	Redis           RedisConfig
	Prefix          string
	TTL             time.Duration
	TrackIdentities bool
}

type Config struct {
	ListenAddr  string
	UpstreamURL string
	LogLevel    string

	RateEnabled bool
	Policy      domain.Policy
	SweepEvery  time.Duration
	Store       StoreConfig

	KeyHeader  string
	TrustXFF   bool
	Methods    []string
	AddHeaders bool

	Stats StatsConfig
}

// New cria um viper com defaults e leitura automática de env.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyRateEnabled, true)
	v.SetDefault(KeyWindow, domain.DefaultWindow)
	v.SetDefault(KeyMaxRequests, domain.DefaultMaxRequests)
	v.SetDefault(KeySweepProbability, domain.DefaultSweepProbability)
	v.SetDefault(KeySweepEvery, time.Duration(0))
	v.SetDefault(KeyLockTimeout, time.Duration(0))
	v.SetDefault(KeyStore, StoreFile)
	v.SetDefault(KeyStorePath, "rate_limit.json")
	v.SetDefault(KeyStoreBusyTimeout, 5*time.Second)
	v.SetDefault(KeyStoreRedisAddr, "")
	v.SetDefault(KeyStoreRedisPass, "")
	v.SetDefault(KeyStoreRedisDB, 0)
	v.SetDefault(KeyStoreRedisKey, "ratelimit:windows")
	v.SetDefault(KeyStoreRedisTTL, time.Duration(0))
	v.SetDefault(KeyKeyHeader, "")
	v.SetDefault(KeyTrustXFF, false)
	v.SetDefault(KeyMethods, "POST")
	v.SetDefault(KeyAddHeaders, false)
	v.SetDefault(KeyStatsEnabled, false)
	v.SetDefault(KeyStatsRedisAddr, "")
	v.SetDefault(KeyStatsRedisPass, "")
	v.SetDefault(KeyStatsRedisDB, 0)
	v.SetDefault(KeyStatsPrefix, "ratelimit:stats")
	v.SetDefault(KeyStatsTTL, 7*24*time.Hour)
	v.SetDefault(KeyStatsTrackIDs, false)
}

// ReadFile carrega um arquivo de configuração opcional (YAML). path vazio não faz nada.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load monta e valida a Config a partir do viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:  v.GetString(KeyListenAddr),
		UpstreamURL: strings.TrimSpace(v.GetString(KeyUpstreamURL)),
		LogLevel:    v.GetString(KeyLogLevel),
		RateEnabled: v.GetBool(KeyRateEnabled),
		Policy: domain.Policy{
			Window:           v.GetDuration(KeyWindow),
			MaxRequests:      v.GetInt(KeyMaxRequests),
			SweepProbability: v.GetFloat64(KeySweepProbability),
			LockTimeout:      v.GetDuration(KeyLockTimeout),
		},
		SweepEvery: v.GetDuration(KeySweepEvery),
		Store: StoreConfig{
			Kind:        strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
			Path:        v.GetString(KeyStorePath),
			BusyTimeout: v.GetDuration(KeyStoreBusyTimeout),
			Redis: RedisConfig{
				Addr:     v.GetString(KeyStoreRedisAddr),
				Password: v.GetString(KeyStoreRedisPass),
				DB:       v.GetInt(KeyStoreRedisDB),
			},
			RedisKey: v.GetString(KeyStoreRedisKey),
			RedisTTL: v.GetDuration(KeyStoreRedisTTL),
		},
		KeyHeader:  v.GetString(KeyKeyHeader),
		TrustXFF:   v.GetBool(KeyTrustXFF),
		Methods:    splitList(v.GetString(KeyMethods)),
		AddHeaders: v.GetBool(KeyAddHeaders),
		Stats: StatsConfig{
			Enabled: v.GetBool(KeyStatsEnabled),
			Redis: RedisConfig{
				Addr:     v.GetString(KeyStatsRedisAddr),
				Password: v.GetString(KeyStatsRedisPass),
				DB:       v.GetInt(KeyStatsRedisDB),
			},
			Prefix:          v.GetString(KeyStatsPrefix),
			TTL:             v.GetDuration(KeyStatsTTL),
			TrackIdentities: v.GetBool(KeyStatsTrackIDs),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.SweepEvery < 0 {
		return errors.New("RATE_SWEEP_EVERY must be >= 0")
	}

	switch c.Store.Kind {
	case StoreFile, StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("RATE_STORE_PATH is required when RATE_STORE=%s", c.Store.Kind)
		}
	case StoreRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return errors.New("RATE_STORE_REDIS_ADDR is required when RATE_STORE=redis")
		}
		if c.Store.RedisTTL > 0 && c.Store.RedisTTL < c.Policy.Window {
			return errors.New("RATE_STORE_REDIS_TTL must be 0 or >= RATE_WINDOW")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown RATE_STORE %q (want file, sqlite, redis or memory)", c.Store.Kind)
	}

	if c.Stats.Enabled && strings.TrimSpace(c.Stats.Redis.Addr) == "" {
		return errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	return nil
}

// ValidateGateway checa o que só o gateway precisa.
func (c Config) ValidateGateway() error {
	if c.UpstreamURL == "" {
		return errors.New("UPSTREAM_URL is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
