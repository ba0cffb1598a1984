// Package config loads VibeTea's process configuration. Both processes are
// configured primarily by the named environment variables in §6, loaded
// once into an immutable value at process start and passed by reference
// thereafter (§5 "global state"). The Monitor additionally accepts an
// optional on-disk YAML file for buffer/flush tuning overrides; the
// environment variables always take precedence (§6 names env vars as the
// wire contract, not a file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingRequired is wrapped by LoadMonitor when a required env var is
// absent.
var ErrMissingRequired = errors.New("config: missing required environment variable")

// Server holds the Server process's configuration (§6).
type Server struct {
	// Port is the listen port (PORT, default 8080).
	Port int

	// PublicKeys is the parsed VIBETEA_PUBLIC_KEYS allowlist: source id to
	// base64-encoded Ed25519 public key.
	PublicKeys map[string]string

	// SubscriberToken is the shared bearer token WebSocket clients must
	// present (VIBETEA_SUBSCRIBER_TOKEN).
	SubscriberToken string

	// UnsafeNoAuth disables source and subscriber authentication
	// (VIBETEA_UNSAFE_NO_AUTH). Refused at startup unless Dev is also
	// true (§6: "server refuses to start in production mode with this
	// set").
	UnsafeNoAuth bool

	// Dev marks a non-production run, the only mode in which
	// UnsafeNoAuth is permitted.
	Dev bool
}

// LoadServer reads the Server's configuration from the environment. It
// returns an error for any configuration defect that should be fatal at
// startup (§7 "Configuration" errors): a malformed VIBETEA_PUBLIC_KEYS
// entry, a non-numeric PORT, or VIBETEA_UNSAFE_NO_AUTH set outside dev
// mode.
func LoadServer(dev bool) (*Server, error) {
	cfg := &Server{
		Port:            8080,
		SubscriberToken: os.Getenv("VIBETEA_SUBSCRIBER_TOKEN"),
		UnsafeNoAuth:    envBool("VIBETEA_UNSAFE_NO_AUTH"),
		Dev:             dev,
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PORT=%q is not a valid port: %w", v, err)
		}
		cfg.Port = port
	}

	keys, err := parsePublicKeys(os.Getenv("VIBETEA_PUBLIC_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.PublicKeys = keys

	if cfg.UnsafeNoAuth && !cfg.Dev {
		return nil, errors.New("config: VIBETEA_UNSAFE_NO_AUTH is set but the server is not running in development mode; refusing to start with auth disabled in production")
	}

	return cfg, nil
}

// parsePublicKeys decodes a VIBETEA_PUBLIC_KEYS value of the form
// "source1:key1,source2:key2" (§6).
func parsePublicKeys(csv string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(csv) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.IndexByte(entry, ':')
		if idx <= 0 || idx == len(entry)-1 {
			return nil, fmt.Errorf("config: malformed VIBETEA_PUBLIC_KEYS entry %q, want \"source:base64key\"", entry)
		}
		out[entry[:idx]] = entry[idx+1:]
	}
	return out, nil
}

// Monitor holds the Monitor process's configuration (§6).
type Monitor struct {
	// ServerURL is the target the sender POSTs batches to
	// (VIBETEA_SERVER_URL). Required.
	ServerURL string

	// SourceID identifies this monitor to the server (VIBETEA_SOURCE_ID,
	// default: hostname).
	SourceID string

	// KeyPath is the Ed25519 seed file location (VIBETEA_KEY_PATH).
	KeyPath string

	// BufferSize is the sender's flush threshold (VIBETEA_BUFFER_SIZE,
	// default 1000).
	BufferSize int

	// FlushInterval is the sender's periodic flush period
	// (VIBETEA_FLUSH_INTERVAL_MS, default 5s).
	FlushInterval time.Duration
}

// overrideFile is the shape of the Monitor's optional on-disk tuning file.
// Only buffer/flush knobs are overridable this way; source identity and
// key material always come from the environment.
type overrideFile struct {
	BufferSize      int `yaml:"buffer_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

// LoadMonitor reads the Monitor's configuration from the environment,
// then applies file-based overrides for any buffer/flush knob not
// already set by an env var. VIBETEA_SERVER_URL and VIBETEA_KEY_PATH are
// required (a missing one yields an error wrapping ErrMissingRequired); a
// missing VIBETEA_SOURCE_ID falls back to the local hostname per §6.
// overridePath may be empty, in which case no file is consulted.
func LoadMonitor(overridePath string) (*Monitor, error) {
	serverURL := os.Getenv("VIBETEA_SERVER_URL")
	if serverURL == "" {
		return nil, fmt.Errorf("%w: VIBETEA_SERVER_URL", ErrMissingRequired)
	}

	sourceID := os.Getenv("VIBETEA_SOURCE_ID")
	if sourceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: VIBETEA_SOURCE_ID not set and hostname lookup failed: %w", err)
		}
		sourceID = host
	}

	cfg := &Monitor{
		ServerURL:     strings.TrimRight(serverURL, "/"),
		SourceID:      sourceID,
		KeyPath:       os.Getenv("VIBETEA_KEY_PATH"),
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}

	bufferSizeFromEnv := false
	if v := os.Getenv("VIBETEA_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: VIBETEA_BUFFER_SIZE=%q must be a positive integer", v)
		}
		cfg.BufferSize = n
		bufferSizeFromEnv = true
	}

	flushFromEnv := false
	if v := os.Getenv("VIBETEA_FLUSH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("config: VIBETEA_FLUSH_INTERVAL_MS=%q must be a positive integer", v)
		}
		cfg.FlushInterval = time.Duration(ms) * time.Millisecond
		flushFromEnv = true
	}

	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("%w: VIBETEA_KEY_PATH", ErrMissingRequired)
	}

	if overridePath != "" {
		if err := applyOverrideFile(cfg, overridePath, bufferSizeFromEnv, flushFromEnv); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyOverrideFile merges overridePath's contents into cfg. A missing
// file is not an error -- the override mechanism is opt-in. Env-supplied
// values always win, matching the "environment variables remain
// authoritative" rule.
func applyOverrideFile(cfg *Monitor, path string, bufferSizeFromEnv, flushFromEnv bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading override file %s: %w", path, err)
	}

	var ov overrideFile
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parsing override file %s: %w", path, err)
	}

	if !bufferSizeFromEnv && ov.BufferSize > 0 {
		cfg.BufferSize = ov.BufferSize
	}
	if !flushFromEnv && ov.FlushIntervalMs > 0 {
		cfg.FlushInterval = time.Duration(ov.FlushIntervalMs) * time.Millisecond
	}
	return nil
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}
