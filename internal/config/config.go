// Package config loads relay server settings from flags, RELAY_* environment
// variables and an optional .env file.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

// Flag and key names shared by the binaries and viper.
const (
	HTTPAddrFlag       = "http-addr"
	StoreBackendFlag   = "store-backend"
	StorePathFlag      = "store-path"
	DefaultTTLFlag     = "default-ttl"
	MaxTTLFlag         = "max-ttl"
	SweepIntervalFlag  = "sweep-interval"
	JWTSecretFlag      = "jwt-secret"
	AllowedOriginsFlag = "allowed-origins"
	DevModeFlag        = "dev-mode"
	SendRateFlag       = "send-rate"
	SendBurstFlag      = "send-burst"
	PushQueueSizeFlag  = "push-queue-size"
	WriteTimeoutFlag   = "write-timeout"
	LogLevelFlag       = "log-level"
)

// EnvPrefix namespaces environment overrides, e.g. RELAY_JWT_SECRET.
const EnvPrefix = "RELAY"

// Store backends.
const (
	BackendMemory = "memory"
	BackendBBolt  = "bbolt"
)

// Config holds the relay server configuration.
type Config struct {
	HTTPAddr       string
	StoreBackend   string
	StorePath      string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	SweepInterval  time.Duration
	JWTSecret      string
	AllowedOrigins []string
	DevMode        bool
	SendRate       float64
	SendBurst      int
	PushQueueSize  int
	WriteTimeout   time.Duration
	LogLevel       string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(HTTPAddrFlag, ":8080")
	v.SetDefault(StoreBackendFlag, BackendMemory)
	v.SetDefault(StorePathFlag, "./relay.db")
	v.SetDefault(DefaultTTLFlag, 7*24*time.Hour)
	v.SetDefault(MaxTTLFlag, 7*24*time.Hour)
	v.SetDefault(SweepIntervalFlag, time.Hour)
	v.SetDefault(DevModeFlag, false)
	v.SetDefault(SendRateFlag, 5.0)
	v.SetDefault(SendBurstFlag, 20)
	v.SetDefault(PushQueueSizeFlag, 256)
	v.SetDefault(WriteTimeoutFlag, 10*time.Second)
	v.SetDefault(LogLevelFlag, "info")
	return v
}

// LoadDotEnv loads a .env file into the process environment if present.
// Variables already set are not overridden.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err == nil {
		jww.DEBUG.Printf("config: loaded environment from %v", paths)
	}
}

// Bind binds the named flags of cmd to v.
func Bind(v *viper.Viper, cmd *cobra.Command, keys ...string) {
	for _, key := range keys {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(key)
		}
		if f == nil {
			jww.ERROR.Printf("config: no flag %q to bind", key)
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			jww.ERROR.Printf("config: viper.BindPFlag failed for %q: %+v", key, err)
		}
	}
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:       v.GetString(HTTPAddrFlag),
		StoreBackend:   strings.ToLower(v.GetString(StoreBackendFlag)),
		StorePath:      v.GetString(StorePathFlag),
		DefaultTTL:     v.GetDuration(DefaultTTLFlag),
		MaxTTL:         v.GetDuration(MaxTTLFlag),
		SweepInterval:  v.GetDuration(SweepIntervalFlag),
		JWTSecret:      v.GetString(JWTSecretFlag),
		AllowedOrigins: splitList(v.GetString(AllowedOriginsFlag)),
		DevMode:        v.GetBool(DevModeFlag),
		SendRate:       v.GetFloat64(SendRateFlag),
		SendBurst:      v.GetInt(SendBurstFlag),
		PushQueueSize:  v.GetInt(PushQueueSizeFlag),
		WriteTimeout:   v.GetDuration(WriteTimeoutFlag),
		LogLevel:       v.GetString(LogLevelFlag),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return xerrors.Errorf("%s is required (env %s_JWT_SECRET)", JWTSecretFlag, EnvPrefix)
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendBBolt:
		if c.StorePath == "" {
			return xerrors.Errorf("%s is required for the %s backend", StorePathFlag, BackendBBolt)
		}
	default:
		return xerrors.Errorf("unknown %s %q", StoreBackendFlag, c.StoreBackend)
	}
	if c.DefaultTTL <= 0 {
		return xerrors.Errorf("%s must be positive, got %s", DefaultTTLFlag, c.DefaultTTL)
	}
	if c.MaxTTL < c.DefaultTTL {
		return xerrors.Errorf("%s (%s) must not exceed %s (%s)", DefaultTTLFlag, c.DefaultTTL, MaxTTLFlag, c.MaxTTL)
	}
	if c.SweepInterval <= 0 {
		return xerrors.Errorf("%s must be positive, got %s", SweepIntervalFlag, c.SweepInterval)
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		return xerrors.Errorf("%s and %s must be positive", SendRateFlag, SendBurstFlag)
	}
	return nil
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
