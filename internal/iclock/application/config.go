package application

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	iclock "iclock-cloud/internal/iclock/domain"
)

// Config tunes the push protocol.
type Config struct {
	UseCRLF            bool          `yaml:"use_crlf"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	CommandHistory     int           `yaml:"command_history"`
	PollHistory        int           `yaml:"poll_history"`
	UploadHistory      int           `yaml:"upload_history"`
	RawUploads         int           `yaml:"raw_uploads"`
	RawUploadLines     int           `yaml:"raw_upload_lines"`
	AttendanceSyntax   string        `yaml:"attendance_syntax"`
	AttendanceLookback time.Duration `yaml:"attendance_lookback"`
	IngestConcurrency  int           `yaml:"ingest_concurrency"`
	Timezone           string        `yaml:"timezone"`
	AutoFetchUsers     bool          `yaml:"auto_fetch_users"`
	SessionMirrorTTL   time.Duration `yaml:"session_mirror_ttl"`
	BulkEnrollMaxUsers int           `yaml:"bulk_enroll_max_users"`
	DefaultPrivilege   string        `yaml:"default_privilege"`
}

// DefaultConfig returns protocol defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:         90 * time.Second,
		CommandHistory:     DefaultLimits.CommandHistory,
		PollHistory:        DefaultLimits.PollHistory,
		UploadHistory:      DefaultLimits.UploadHistory,
		RawUploads:         DefaultLimits.RawUploads,
		RawUploadLines:     200,
		AttendanceSyntax:   string(iclock.FetchDataQuery),
		AttendanceLookback: 24 * time.Hour,
		IngestConcurrency:  8,
		Timezone:           "UTC",
		SessionMirrorTTL:   24 * time.Hour,
		BulkEnrollMaxUsers: 500,
		DefaultPrivilege:   "0",
	}
}

// LoadConfig reads ICLOCK_CONFIG over the defaults, then applies env overrides.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("ICLOCK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("ICLOCK_USE_CRLF"); v != "" {
		cfg.UseCRLF = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ICLOCK_ATTENDANCE_SYNTAX"); v != "" {
		cfg.AttendanceSyntax = v
	}
	if v := os.Getenv("ICLOCK_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	return cfg, cfg.Validate()
}

// Validate normalises zero values and rejects unusable settings.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.RawUploadLines <= 0 {
		c.RawUploadLines = defaults.RawUploadLines
	}
	if c.IngestConcurrency <= 0 {
		c.IngestConcurrency = defaults.IngestConcurrency
	}
	if c.AttendanceLookback <= 0 {
		c.AttendanceLookback = defaults.AttendanceLookback
	}
	if c.BulkEnrollMaxUsers <= 0 {
		c.BulkEnrollMaxUsers = defaults.BulkEnrollMaxUsers
	}
	if c.DefaultPrivilege == "" {
		c.DefaultPrivilege = defaults.DefaultPrivilege
	}
	if _, err := iclock.ParseFetchSyntax(c.AttendanceSyntax); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return errors.New("iclock: invalid timezone " + c.Timezone)
	}
	return nil
}

// Limits returns the configured ring sizes.
func (c Config) Limits() Limits {
	return Limits{
		CommandHistory: c.CommandHistory,
		PollHistory:    c.PollHistory,
		UploadHistory:  c.UploadHistory,
		RawUploads:     c.RawUploads,
	}
}

// Separator is the command framing separator.
func (c Config) Separator() string {
	if c.UseCRLF {
		return "\r\n"
	}
	return "\n"
}

// Location resolves the terminal wall-clock zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
