// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → proxy-config.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	BindAddress    string `json:"bindAddress"`
	LogLevel       string `json:"logLevel"`

	// ManagementToken gates /status and /metrics (bearer auth); empty = no auth.
	ManagementToken string `json:"managementToken"`
	// UserUpdateAPIKey gates POST /api/user-update (ApiKey header).
	UserUpdateAPIKey string `json:"userUpdateApiKey"`

	// UpstreamBaseURL is the scheme+host the canonical API is reached at,
	// e.g. "https://api.hubstaff.com" — no path suffix, since the version
	// segment ("/v1/...") is already part of every path in the canonical
	// Swagger document and gets appended as such.
	UpstreamBaseURL string `json:"upstreamBaseUrl"`
	// UpstreamAppToken/UpstreamAuthToken are the proxy's own real
	// credentials against the upstream, substituted in for whatever the
	// client sent (see permute.Credentials).
	UpstreamAppToken  string `json:"upstreamAppToken"`
	UpstreamAuthToken string `json:"upstreamAuthToken"`

	// CanonicalSwaggerFile points at the JSON Swagger 2.0 document describing
	// the upstream's real contract, used as the basis for every permutation.
	CanonicalSwaggerFile string `json:"canonicalSwaggerFile"`

	// UsersDBFile is the bbolt database path for the persisted user table.
	// Empty = in-memory only (used in tests).
	UsersDBFile string `json:"usersDbFile"`

	// RedisAddr, if set, backs the abuse/lockout controller with Redis
	// sorted sets instead of the in-memory store. Empty = in-memory.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`

	// MaxFailedBeforeBlock is the per-user failed-auth threshold within the
	// abuse window before that user is locked out.
	MaxFailedBeforeBlock int `json:"maxFailedBeforeBlock"`
	// GlobalAbuseThreshold is the instance-wide failed-auth threshold within
	// the abuse window before all requests are throttled.
	GlobalAbuseThreshold int `json:"globalAbuseThreshold"`
	// AbuseWindowHours is the sliding window width for both thresholds above.
	AbuseWindowHours int `json:"abuseWindowHours"`

	// MixerCacheCapacity is the number of per-user permuted mixers kept
	// warm in the LRU cache.
	MixerCacheCapacity int `json:"mixerCacheCapacity"`

	// MaxBodyBytes bounds request/response body sizes read into memory.
	MaxBodyBytes int64 `json:"maxBodyBytes"`

	// SupportEmail is surfaced in the pipeline's error responses' "help" text.
	SupportEmail string `json:"supportEmail"`
}

// Load returns config with defaults overridden by proxy-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProxyPort:            8080,
		ManagementPort:       8081,
		BindAddress:          "0.0.0.0",
		LogLevel:             "info",
		UpstreamBaseURL:      "https://api.hubstaff.com",
		CanonicalSwaggerFile: "swagger.json",
		UsersDBFile:          "users.db",
		MaxFailedBeforeBlock: 5,
		GlobalAbuseThreshold: 10,
		AbuseWindowHours:     24,
		MixerCacheCapacity:   32,
		MaxBodyBytes:         1 << 20, // 1 MiB
		SupportEmail:         "support@example.com",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("USER_UPDATE_API_KEY"); v != "" {
		cfg.UserUpdateAPIKey = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("UPSTREAM_APP_TOKEN"); v != "" {
		cfg.UpstreamAppToken = v
	}
	if v := os.Getenv("UPSTREAM_AUTH_TOKEN"); v != "" {
		cfg.UpstreamAuthToken = v
	}
	if v := os.Getenv("CANONICAL_SWAGGER_FILE"); v != "" {
		cfg.CanonicalSwaggerFile = v
	}
	if v := os.Getenv("USERS_DB_FILE"); v != "" {
		cfg.UsersDBFile = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("MAX_FAILED_BEFORE_BLOCK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxFailedBeforeBlock = n
		}
	}
	if v := os.Getenv("GLOBAL_ABUSE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GlobalAbuseThreshold = n
		}
	}
	if v := os.Getenv("ABUSE_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AbuseWindowHours = n
		}
	}
	if v := os.Getenv("MIXER_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MixerCacheCapacity = n
		}
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("SUPPORT_EMAIL"); v != "" {
		cfg.SupportEmail = v
	}
}
