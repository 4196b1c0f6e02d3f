package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Host      string
	Port      string
	PublicDir string

	// TURN / ICE
	TURNURLs         []string
	TURNSecret       string
	TURNUsernameTTL  time.Duration
	TURNRelayMinPort int
	TURNRelayMaxPort int

	// TLS (both paths set, or neither)
	TLSCertPath string
	TLSKeyPath  string

	// Web push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// Operational
	StartupLog     string
	GoEnv          string
	AllowedOrigins []string
}

// ValidateEnv validates all recognized environment variables and returns a Config object
// Returns an error if any variable is present but invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (defaults to 8080, must be a valid port number)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: HOST (defaults to all interfaces)
	cfg.Host = os.Getenv("HOST")

	// Optional: PUBLIC_DIR (static file root; empty disables static serving)
	cfg.PublicDir = os.Getenv("PUBLIC_DIR")

	// Optional: TURN_URLS (comma-separated turn:/turns: URLs)
	cfg.TURNURLs = splitList(os.Getenv("TURN_URLS"))
	for _, u := range cfg.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errors = append(errors, fmt.Sprintf("TURN_URLS entries must start with 'turn:' or 'turns:' (got '%s')", u))
		}
	}

	// Conditional: TURN_SECRET (only meaningful alongside TURN_URLS)
	cfg.TURNSecret = os.Getenv("TURN_SECRET")
	if cfg.TURNSecret != "" && len(cfg.TURNURLs) == 0 {
		errors = append(errors, "TURN_SECRET is set but TURN_URLS is empty")
	}

	// Optional: TURN_USERNAME_TTL_SECONDS (defaults to 3600, must be positive)
	ttlStr := getEnvOrDefault("TURN_USERNAME_TTL_SECONDS", "3600")
	if ttl, err := strconv.Atoi(ttlStr); err != nil || ttl < 1 {
		errors = append(errors, fmt.Sprintf("TURN_USERNAME_TTL_SECONDS must be a positive integer (got '%s')", ttlStr))
	} else {
		cfg.TURNUsernameTTL = time.Duration(ttl) * time.Second
	}

	// Conditional: TURN_RELAY_MIN_PORT / TURN_RELAY_MAX_PORT (both or neither)
	minStr := os.Getenv("TURN_RELAY_MIN_PORT")
	maxStr := os.Getenv("TURN_RELAY_MAX_PORT")
	switch {
	case minStr == "" && maxStr == "":
		// Relay range unknown; capacity estimates stay disabled
	case minStr == "" || maxStr == "":
		errors = append(errors, "TURN_RELAY_MIN_PORT and TURN_RELAY_MAX_PORT must be set together")
	default:
		minPort, errMin := strconv.Atoi(minStr)
		maxPort, errMax := strconv.Atoi(maxStr)
		if errMin != nil || errMax != nil || minPort < 1 || maxPort > 65535 || minPort >= maxPort {
			errors = append(errors, fmt.Sprintf("TURN relay port range must satisfy 0 < min < max <= 65535 (got '%s'..'%s')", minStr, maxStr))
		} else {
			cfg.TURNRelayMinPort = minPort
			cfg.TURNRelayMaxPort = maxPort
		}
	}

	// Conditional: TLS_CERT_PATH / TLS_KEY_PATH (both or neither)
	cfg.TLSCertPath = os.Getenv("TLS_CERT_PATH")
	cfg.TLSKeyPath = os.Getenv("TLS_KEY_PATH")
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		errors = append(errors, "TLS_CERT_PATH and TLS_KEY_PATH must be set together")
	}

	// Conditional: VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY (both or neither, subject required with keys)
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	cfg.VAPIDSubject = os.Getenv("VAPID_SUBJECT")
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		errors = append(errors, "VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		if cfg.VAPIDSubject == "" {
			errors = append(errors, "VAPID_SUBJECT is required when VAPID keys are set")
		} else if !strings.HasPrefix(cfg.VAPIDSubject, "mailto:") && !strings.HasPrefix(cfg.VAPIDSubject, "https:") {
			errors = append(errors, fmt.Sprintf("VAPID_SUBJECT must be a mailto: or https: URI (got '%s')", cfg.VAPIDSubject))
		}
	}

	// Optional: STARTUP_LOG (file receiving one appended line per successful startup)
	cfg.StartupLog = os.Getenv("STARTUP_LOG")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: ALLOWED_ORIGINS (defaults to "*"; the UI is served same-origin)
	cfg.AllowedOrigins = splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*"))

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// Addr returns the listen address in "host:port" form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// PushEnabled reports whether web push delivery is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// TURNEnabled reports whether relay credentials can be minted.
func (c *Config) TURNEnabled() bool {
	return len(c.TURNURLs) > 0 && c.TURNSecret != ""
}

// RelayPortsTotal returns the size of the configured relay port range,
// or 0 when the range is unknown.
func (c *Config) RelayPortsTotal() int {
	if c.TURNRelayMinPort == 0 {
		return 0
	}
	return c.TURNRelayMaxPort - c.TURNRelayMinPort + 1
}

// splitList splits a comma-separated environment value, trimming whitespace
// and dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"addr", cfg.Addr(),
		"public_dir", cfg.PublicDir,
		"turn_urls", cfg.TURNURLs,
		"turn_secret", redactSecret(cfg.TURNSecret),
		"turn_username_ttl", cfg.TURNUsernameTTL,
		"relay_ports_total", cfg.RelayPortsTotal(),
		"tls_enabled", cfg.TLSEnabled(),
		"push_enabled", cfg.PushEnabled(),
		"vapid_private_key", redactSecret(cfg.VAPIDPrivateKey),
		"go_env", cfg.GoEnv,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
