// Package config provides configuration loading from environment variables
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Extraction defaults
const (
	DefaultWindowMinutes  = 10
	DefaultFutureDelayMs  = 600_000
	DefaultBufferMinutes  = 20
	DefaultFlowsPerMinute = 2000
	DefaultRotationFiles  = 10
)

// Config holds all configuration for the capture service.
type Config struct {
	DataDir string // WEBREPLAY_DATA_DIR, default "./data"

	// Window extraction
	WindowMinutes  int           // WEBREPLAY_WINDOW_MINUTES, default 10
	FutureDelay    time.Duration // WEBREPLAY_FUTURE_DELAY_MS, default 600000ms (10m)
	BufferMinutes  int           // WEBREPLAY_BUFFER_MINUTES, default 20
	FlowsPerMinute int           // WEBREPLAY_FLOWS_PER_MINUTE, default 2000
	RotationFiles  int           // WEBREPLAY_ROTATION_FILES, default 10
	OverlapPolicy  string        // WEBREPLAY_OVERLAP_POLICY, default "coalesce"

	// Reconstruction
	MaxDecodedBytes  int64 // WEBREPLAY_MAX_DECODED_BYTES, default 64 MiB
	DecodeCacheItems int   // WEBREPLAY_DECODE_CACHE_ITEMS, default 256

	// Capture engines
	MitmdumpPath   string // WEBREPLAY_MITMDUMP_PATH, default "mitmdump"
	MitmAddon      string // WEBREPLAY_MITM_ADDON, default "mitm_addon.py"
	ProxyListen    string // WEBREPLAY_PROXY_LISTEN, default "127.0.0.1:8080"
	DumpcapPath    string // WEBREPLAY_DUMPCAP_PATH, default "dumpcap"
	CaptureIface   string // WEBREPLAY_CAPTURE_IFACE, default "Ethernet"
	RingFiles      int    // WEBREPLAY_RING_FILES, default 20
	RingDurationS  int    // WEBREPLAY_RING_DURATION_S, default 60
	DisablePackets bool   // WEBREPLAY_DISABLE_PACKETS, default false

	APIAddr string // WEBREPLAY_API_ADDR, default "127.0.0.1:5000"

	// Logging configuration
	LogLevel      string // LOG_LEVEL, default "info"
	LogFile       string // LOG_FILE, default "" (stderr only)
	LogMaxSizeMB  int    // LOG_MAX_SIZE_MB, default 10
	LogMaxBackups int    // LOG_MAX_BACKUPS, default 5
	LogMaxAgeDays int    // LOG_MAX_AGE_DAYS, default 28
	LogCompress   bool   // LOG_COMPRESS, default true
}

// Load reads the optional env files (".env" when none are given), then the
// environment, and validates the result. Variables already set in the
// environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		DataDir: getEnvString("WEBREPLAY_DATA_DIR", "./data"),

		WindowMinutes:  getEnvInt("WEBREPLAY_WINDOW_MINUTES", DefaultWindowMinutes),
		FutureDelay:    getEnvDurationMs("WEBREPLAY_FUTURE_DELAY_MS", DefaultFutureDelayMs),
		BufferMinutes:  getEnvInt("WEBREPLAY_BUFFER_MINUTES", DefaultBufferMinutes),
		FlowsPerMinute: getEnvInt("WEBREPLAY_FLOWS_PER_MINUTE", DefaultFlowsPerMinute),
		RotationFiles:  getEnvInt("WEBREPLAY_ROTATION_FILES", DefaultRotationFiles),
		OverlapPolicy:  strings.ToLower(getEnvString("WEBREPLAY_OVERLAP_POLICY", "coalesce")),

		MaxDecodedBytes:  int64(getEnvInt("WEBREPLAY_MAX_DECODED_BYTES", 64<<20)),
		DecodeCacheItems: getEnvInt("WEBREPLAY_DECODE_CACHE_ITEMS", 256),

		MitmdumpPath:   getEnvString("WEBREPLAY_MITMDUMP_PATH", "mitmdump"),
		MitmAddon:      getEnvString("WEBREPLAY_MITM_ADDON", "mitm_addon.py"),
		ProxyListen:    getEnvString("WEBREPLAY_PROXY_LISTEN", "127.0.0.1:8080"),
		DumpcapPath:    getEnvString("WEBREPLAY_DUMPCAP_PATH", "dumpcap"),
		CaptureIface:   getEnvString("WEBREPLAY_CAPTURE_IFACE", "Ethernet"),
		RingFiles:      getEnvInt("WEBREPLAY_RING_FILES", 20),
		RingDurationS:  getEnvInt("WEBREPLAY_RING_DURATION_S", 60),
		DisablePackets: getEnvBool("WEBREPLAY_DISABLE_PACKETS", false),

		APIAddr: getEnvString("WEBREPLAY_API_ADDR", "127.0.0.1:5000"),

		LogLevel:      getEnvString("LOG_LEVEL", "info"),
		LogFile:       getEnvString("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and that the buffer retains at least one
// full window.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, v))
		}
	}
	positive("WEBREPLAY_WINDOW_MINUTES", c.WindowMinutes)
	positive("WEBREPLAY_BUFFER_MINUTES", c.BufferMinutes)
	positive("WEBREPLAY_FLOWS_PER_MINUTE", c.FlowsPerMinute)
	positive("WEBREPLAY_ROTATION_FILES", c.RotationFiles)
	positive("WEBREPLAY_DECODE_CACHE_ITEMS", c.DecodeCacheItems)
	positive("WEBREPLAY_RING_FILES", c.RingFiles)
	positive("WEBREPLAY_RING_DURATION_S", c.RingDurationS)

	if c.FutureDelay <= 0 {
		errs = append(errs, fmt.Errorf("%w: WEBREPLAY_FUTURE_DELAY_MS must be positive", ErrInvalid))
	}
	if c.MaxDecodedBytes <= 0 {
		errs = append(errs, fmt.Errorf("%w: WEBREPLAY_MAX_DECODED_BYTES must be positive", ErrInvalid))
	}
	if c.WindowMinutes > 0 && c.BufferMinutes < c.WindowMinutes {
		errs = append(errs, fmt.Errorf("%w: buffer retention (%d min) is shorter than the window (%d min)",
			ErrInvalid, c.BufferMinutes, c.WindowMinutes))
	}
	switch c.OverlapPolicy {
	case "coalesce", "independent":
	default:
		errs = append(errs, fmt.Errorf("%w: WEBREPLAY_OVERLAP_POLICY must be coalesce or independent, got %q",
			ErrInvalid, c.OverlapPolicy))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%w: WEBREPLAY_DATA_DIR is empty", ErrInvalid))
	}
	return errors.Join(errs...)
}

// BufferCapacity is the record capacity of the flow buffer.
func (c *Config) BufferCapacity() int {
	return c.BufferMinutes * c.FlowsPerMinute
}

// Window is the length of each extracted window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// WebDir holds extracted JSON windows.
func (c *Config) WebDir() string { return filepath.Join(c.DataDir, "output", "web") }

// PcapDir holds merged packet captures.
func (c *Config) PcapDir() string { return filepath.Join(c.DataDir, "output", "pcap") }

// RingDir is where the packet engine rotates its files.
func (c *Config) RingDir() string { return filepath.Join(c.DataDir, "pcap_rotating") }

// ReconstructedDir receives automatic reconstructions.
func (c *Config) ReconstructedDir() string { return filepath.Join(c.DataDir, "reconstructed") }

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.WebDir(), c.PcapDir(), c.RingDir(), c.ReconstructedDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	ms := getEnvInt(key, defaultMs)
	return time.Duration(ms) * time.Millisecond
}
