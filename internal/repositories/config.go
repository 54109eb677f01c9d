package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// ServerConfig is the mutable server configuration held in the store. It
// is editable at runtime through psadmin; the daemon re-reads the keys it
// needs per request or per worker tick.
type ServerConfig struct {
	MOTD     string `json:"motd"`
	Operator string `json:"operator"`

	// Blacklist is the ordered list of denied callsigns. It always
	// contains SYSTEM.
	Blacklist []string `json:"blacklist"`

	JobsEnabled    bool       `json:"jobs_enabled"`
	JobsConfig     JobsConfig `json:"jobs_config"`
	ServerCallsign string     `json:"server_callsign"`
	ServerName     string     `json:"server_name"`
}

// JobsConfig selects and sizes the container runner.
type JobsConfig struct {
	// Runner names the orchestrator implementation; "docker" drives any
	// engine speaking the Docker API, podman included.
	Runner string `json:"runner"`

	// EngineURI is the engine socket, e.g. unix:///run/podman/podman.sock.
	EngineURI string `json:"engine_uri"`

	ImageName     string `json:"image_name"`
	MaxActiveJobs int    `json:"max_active_jobs"`

	// Timeouts and keepalive are in seconds.
	DefaultTimeout     int `json:"default_timeout"`
	MaxTimeout         int `json:"max_timeout"`
	ContainerKeepalive int `json:"container_keepalive"`

	NamePrefix string `json:"name_prefix"`

	// OrphanScanSchedule is a cron expression for the slow sweep that
	// removes prefixed containers the orchestrator no longer tracks.
	OrphanScanSchedule string `json:"orphan_scan_schedule"`
}

// DefaultServerConfig returns the configuration a fresh store starts with.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MOTD:      "Welcome to the packetserver BBS.",
		Operator:  "",
		Blacklist: []string{db.SystemCallsign},
		JobsConfig: JobsConfig{
			Runner:             "docker",
			ImageName:          "debian",
			MaxActiveJobs:      5,
			DefaultTimeout:     300,
			MaxTimeout:         3600,
			ContainerKeepalive: 300,
			NamePrefix:         "packetserver_",
			OrphanScanSchedule: "*/10 * * * *",
		},
		ServerName: "packetserver",
	}
}

// Blacklisted reports whether callsign is denied. The match is on the
// uppercase base callsign.
func (c *ServerConfig) Blacklisted(callsign string) bool {
	return slices.Contains(c.Blacklist, strings.ToUpper(callsign))
}

// normalize uppercases the blacklist, removes duplicates and re-adds
// SYSTEM, which is permanently denied.
func (c *ServerConfig) normalize() {
	seen := make(map[string]bool, len(c.Blacklist)+1)
	out := make([]string, 0, len(c.Blacklist)+1)
	for _, call := range c.Blacklist {
		call = strings.ToUpper(strings.TrimSpace(call))
		if call == "" || seen[call] {
			continue
		}
		seen[call] = true
		out = append(out, call)
	}
	if !seen[db.SystemCallsign] {
		out = append(out, db.SystemCallsign)
	}
	c.Blacklist = out
}

// gormConfigRepository is the GORM implementation of ConfigRepository.
// Each top-level key of ServerConfig is one row holding a JSON document,
// preserving the key-granular shape of the original config mapping.
type gormConfigRepository struct {
	db *gorm.DB
}

// NewConfigRepository returns a ConfigRepository backed by the provided
// handle.
func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &gormConfigRepository{db: db}
}

// Load reads the configuration, filling defaults for absent keys.
func (r *gormConfigRepository) Load(ctx context.Context) (*ServerConfig, error) {
	var entries []db.ConfigEntry
	if err := r.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	cfg := DefaultServerConfig()
	for _, e := range entries {
		var dst any
		switch e.Key {
		case "motd":
			dst = &cfg.MOTD
		case "operator":
			dst = &cfg.Operator
		case "blacklist":
			dst = &cfg.Blacklist
		case "jobs_enabled":
			dst = &cfg.JobsEnabled
		case "jobs_config":
			dst = &cfg.JobsConfig
		case "server_callsign":
			dst = &cfg.ServerCallsign
		case "server_name":
			dst = &cfg.ServerName
		default:
			continue
		}
		if err := json.Unmarshal([]byte(e.Value), dst); err != nil {
			return nil, fmt.Errorf("config: decode key %s: %w", e.Key, err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// Save persists the full configuration, one row per key.
func (r *gormConfigRepository) Save(ctx context.Context, cfg *ServerConfig) error {
	cfg.normalize()

	keys := map[string]any{
		"motd":            cfg.MOTD,
		"operator":        cfg.Operator,
		"blacklist":       cfg.Blacklist,
		"jobs_enabled":    cfg.JobsEnabled,
		"jobs_config":     cfg.JobsConfig,
		"server_callsign": cfg.ServerCallsign,
		"server_name":     cfg.ServerName,
	}

	for key, value := range keys {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("config: encode key %s: %w", key, err)
		}
		var entry db.ConfigEntry
		err = r.db.WithContext(ctx).
			Where(db.ConfigEntry{Key: key}).
			Assign(map[string]any{"value": string(raw)}).
			FirstOrCreate(&entry).Error
		if err != nil {
			return fmt.Errorf("config: save key %s: %w", key, err)
		}
	}
	return nil
}
