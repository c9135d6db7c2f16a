package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	GRPCHost           string
	GRPCPort           int
	GRPCRequestTimeout time.Duration

	HTTPAddr      string
	HTTPRateLimit float64
	HTTPRateBurst int
	// HTTPTrustedProxies are the peers whose X-Forwarded-For is believed.
	HTTPTrustedProxies []netip.Prefix

	// DatabaseURL is optional; without it the engine runs purely in memory.
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	ShutdownTimeout time.Duration
	LogLevel        string

	Timezone     string
	SettingsFile string

	ConflictScope         string
	EnforceCapacity       bool
	TruncateTrailingSlots bool

	KafkaBrokers []string
	KafkaTopic   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

func (c Config) GRPCAddr() string {
	return net.JoinHostPort(c.GRPCHost, strconv.Itoa(c.GRPCPort))
}

// Location resolves Timezone, falling back to UTC when it is empty.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("GARAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.addr", "")
	v.SetDefault("grpc.request_timeout", "10s")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.rate_burst", 40)
	v.SetDefault("http.trusted_proxies", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("shutdown.timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("garage.timezone", "UTC")
	v.SetDefault("garage.settings_file", "configs/garage.toml")
	v.SetDefault("scheduling.conflict_scope", "mechanic")
	v.SetDefault("scheduling.enforce_capacity", false)
	v.SetDefault("scheduling.truncate_trailing_slots", false)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "garage.appointments.completed")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "garage")

	_ = v.BindEnv("grpc.host", "GARAGE_GRPC_HOST", "GRPC_HOST")
	_ = v.BindEnv("grpc.port", "GARAGE_GRPC_PORT", "GRPC_PORT")
	_ = v.BindEnv("grpc.addr", "GARAGE_GRPC_ADDR", "GRPC_ADDR")
	_ = v.BindEnv("http.addr", "GARAGE_HTTP_ADDR", "HTTP_ADDR")
	_ = v.BindEnv("database.url", "GARAGE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("shutdown.timeout", "GARAGE_SHUTDOWN_TIMEOUT", "SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("log.level", "GARAGE_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("garage.timezone", "GARAGE_GARAGE_TIMEZONE", "GARAGE_TIMEZONE")
	_ = v.BindEnv("kafka.brokers", "GARAGE_KAFKA_BROKERS", "KAFKA_BROKERS")
	_ = v.BindEnv("redis.addr", "GARAGE_REDIS_ADDR", "REDIS_ADDR")

	timeout, err := time.ParseDuration(v.GetString("shutdown.timeout"))
	if err != nil {
		return Config{}, err
	}
	grpcTimeout, err := time.ParseDuration(v.GetString("grpc.request_timeout"))
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := time.ParseDuration(v.GetString("database.conn_max_idle_time"))
	if err != nil {
		return Config{}, err
	}

	trusted, err := parsePrefixes(splitList(v.GetString("http.trusted_proxies")))
	if err != nil {
		return Config{}, fmt.Errorf("http.trusted_proxies: %w", err)
	}

	if addr := strings.TrimSpace(v.GetString("grpc.addr")); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err == nil {
			if host != "" {
				v.Set("grpc.host", host)
			}
			if port, err := strconv.Atoi(portStr); err == nil {
				v.Set("grpc.port", port)
			}
		}
	}

	return Config{
		GRPCHost:              strings.TrimSpace(v.GetString("grpc.host")),
		GRPCPort:              v.GetInt("grpc.port"),
		GRPCRequestTimeout:    grpcTimeout,
		HTTPAddr:              strings.TrimSpace(v.GetString("http.addr")),
		HTTPRateLimit:         v.GetFloat64("http.rate_limit"),
		HTTPRateBurst:         v.GetInt("http.rate_burst"),
		HTTPTrustedProxies:    trusted,
		DatabaseURL:           strings.TrimSpace(v.GetString("database.url")),
		DBMaxOpenConns:        v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:        v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime:     connMaxLifetime,
		DBConnMaxIdleTime:     connMaxIdleTime,
		ShutdownTimeout:       timeout,
		LogLevel:              v.GetString("log.level"),
		Timezone:              strings.TrimSpace(v.GetString("garage.timezone")),
		SettingsFile:          strings.TrimSpace(v.GetString("garage.settings_file")),
		ConflictScope:         v.GetString("scheduling.conflict_scope"),
		EnforceCapacity:       v.GetBool("scheduling.enforce_capacity"),
		TruncateTrailingSlots: v.GetBool("scheduling.truncate_trailing_slots"),
		KafkaBrokers:          splitList(v.GetString("kafka.brokers")),
		KafkaTopic:            strings.TrimSpace(v.GetString("kafka.topic")),
		RedisAddr:             strings.TrimSpace(v.GetString("redis.addr")),
		RedisPassword:         v.GetString("redis.password"),
		RedisDB:               v.GetInt("redis.db"),
		RedisKeyPrefix:        strings.TrimSpace(v.GetString("redis.key_prefix")),
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes accepts CIDR blocks and bare addresses, the latter as
// single-host prefixes.
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
