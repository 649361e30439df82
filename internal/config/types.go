package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Roster    RosterConfig    `json:"roster"`

	// EnvFile points at the KEY=VALUE secrets file (bot token, disk tokens).
	// The /code flow rewrites the disk token in this file in place.
	EnvFile string `json:"env_file,omitempty"`
}

type TelegramConfig struct {
	// ManagerChatID receives operator-facing failure reports
	// (expired disk token, missing roster file).
	ManagerChatID int64 `json:"manager_chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec bounds outgoing delivery messages across all chats.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the daily mailing cycle.
//
// PreloadAt must be strictly earlier in the day than DeliverAt: delivery jobs
// read the cache the preload job fills, and the ordering is enforced by the
// trigger times, not by runtime synchronization.
type SchedulerConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	PreloadAt string `json:"preload_at"` // "HH:MM"
	DeliverAt string `json:"deliver_at"` // "HH:MM"

	// HorizonDays is how many days ahead (excluding today) count as "upcoming".
	HorizonDays int `json:"horizon_days,omitempty"`

	// MisfireGrace is a Go duration string; a job firing delayed longer than
	// this is dropped instead of run late. Missed firings coalesce into one
	// catch-up run when Coalesce is set.
	MisfireGrace string `json:"misfire_grace,omitempty"`
	Coalesce     *bool  `json:"coalesce,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RosterConfig describes the remote spreadsheet and how to read it.
type RosterConfig struct {
	// DiskPath is the Yandex Disk source, e.g. "disk:/b_day/b_days.xlsx".
	DiskPath string `json:"disk_path"`
	// OutputPath is the local snapshot the preload job downloads into.
	// A stale snapshot here is the fallback when the download fails.
	OutputPath string `json:"output_path"`
	// Columns are the spreadsheet headers, in (day, month, name) order.
	Columns []string `json:"columns,omitempty"`
}

// DefaultColumns matches the production roster spreadsheet headers.
var DefaultColumns = []string{"Дата", "месяц", "ФИО"}

const (
	defaultHorizonDays  = 3
	defaultMisfireGrace = 30 * time.Second
)

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	if c.Telegram.RatePerSec <= 0 {
		c.Telegram.RatePerSec = 3
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.Scheduler.PreloadAt) == "" {
		c.Scheduler.PreloadAt = "08:30"
	}
	if strings.TrimSpace(c.Scheduler.DeliverAt) == "" {
		c.Scheduler.DeliverAt = "09:00"
	}
	ph, pm, err := ParseHHMM(c.Scheduler.PreloadAt)
	if err != nil {
		return fmt.Errorf("scheduler.preload_at: %w", err)
	}
	dh, dm, err := ParseHHMM(c.Scheduler.DeliverAt)
	if err != nil {
		return fmt.Errorf("scheduler.deliver_at: %w", err)
	}
	if ph*60+pm >= dh*60+dm {
		return fmt.Errorf("scheduler.preload_at %q must be earlier than deliver_at %q",
			c.Scheduler.PreloadAt, c.Scheduler.DeliverAt)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if c.Scheduler.HorizonDays < 0 {
		return fmt.Errorf("scheduler.horizon_days must be >= 0")
	}
	if c.Scheduler.HorizonDays == 0 {
		c.Scheduler.HorizonDays = defaultHorizonDays
	}
	if _, err := ParseDurationField("scheduler.misfire_grace", c.Scheduler.MisfireGrace); err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.Roster.DiskPath) == "" {
		return fmt.Errorf("roster.disk_path is required")
	}
	if strings.TrimSpace(c.Roster.OutputPath) == "" {
		return fmt.Errorf("roster.output_path is required")
	}
	if len(c.Roster.Columns) == 0 {
		c.Roster.Columns = append([]string(nil), DefaultColumns...)
	} else if len(c.Roster.Columns) != 3 {
		return fmt.Errorf("roster.columns must name exactly 3 headers (day, month, name)")
	}

	if strings.TrimSpace(c.EnvFile) == "" {
		c.EnvFile = ".env"
	}
	return nil
}

// MisfireGraceDuration returns the configured grace, defaulting to 30s.
func (c *Config) MisfireGraceDuration() time.Duration {
	d, err := ParseDurationField("scheduler.misfire_grace", c.Scheduler.MisfireGrace)
	if err != nil || d <= 0 {
		return defaultMisfireGrace
	}
	return d
}

// CoalesceEnabled reports whether missed firings collapse into one run (default true).
func (c *Config) CoalesceEnabled() bool {
	if c.Scheduler.Coalesce == nil {
		return true
	}
	return *c.Scheduler.Coalesce
}

// ParseHHMM parses a "HH:MM" wall-clock string.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
