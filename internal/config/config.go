// Package config loads the YAML configuration file. A missing file is created
// with defaults on first start so that operators have something to edit.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"confsync/internal/daywindow"
	"confsync/internal/roomstatus"
	"confsync/internal/transport"
	"confsync/internal/workers"
)

const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultTimezone    = daywindow.DefaultLocation
	DefaultDataDir     = "./data"
	DefaultScheduleURL = "https://fosdem.org/2024/schedule/xml"
	DefaultRoomsURL    = "https://api.fosdem.org/roomstatus/v1/listrooms"
	DefaultRefreshCron = "0 */2 * * *"
)

// ScheduleConfig describes the schedule feed.
type ScheduleConfig struct {
	// URL is the XML schedule endpoint.
	URL string `yaml:"url" json:"url"`

	// RefreshCron is a cron-style schedule string (e.g. "0 */2 * * *")
	// for automatic synchronization. "off" disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Timeout bounds a single download, body included.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// RoomStatusConfig describes the live room status feed.
type RoomStatusConfig struct {
	URL             string        `yaml:"url" json:"url"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	ExpirationDelay time.Duration `yaml:"expiration_delay" json:"expiration_delay"`
	FirstErrorDelay time.Duration `yaml:"first_error_delay" json:"first_error_delay"`
}

// DayWindowConfig holds the daily hours ("HH:MM", in Timezone) during which
// room status is polled.
type DayWindowConfig struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// BasicAuthConfig protects the HTTP API (except /health). Both fields must
// be set for it to be enabled.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if set, enables HTTP Basic Auth for the API.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// Timezone is the IANA timezone of the conference (e.g. "Europe/Brussels").
	// Schedule times are interpreted in it.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds the schedule database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	// Workers bounds concurrent background jobs (fetch, parse, store).
	Workers int `yaml:"workers" json:"workers"`

	Schedule   ScheduleConfig   `yaml:"schedule" json:"schedule"`
	RoomStatus RoomStatusConfig `yaml:"room_status" json:"room_status"`
	DayWindow  DayWindowConfig  `yaml:"day_window" json:"day_window"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   DefaultListen,
		Timezone: DefaultTimezone,
		DataDir:  DefaultDataDir,
		LogLevel: "info",
		Workers:  workers.DefaultLimit,
		Schedule: ScheduleConfig{
			URL:         DefaultScheduleURL,
			RefreshCron: DefaultRefreshCron,
			Timeout:     transport.DefaultTimeout,
		},
		RoomStatus: RoomStatusConfig{
			URL:             DefaultRoomsURL,
			RefreshInterval: roomstatus.DefaultRefreshInterval,
			ExpirationDelay: roomstatus.DefaultExpirationDelay,
			FirstErrorDelay: roomstatus.DefaultFirstErrorDelay,
		},
		DayWindow: DayWindowConfig{
			Start: daywindow.FormatTimeOfDay(daywindow.DefaultStart),
			End:   daywindow.FormatTimeOfDay(daywindow.DefaultEnd),
		},
	}
}

// Normalize replaces zero or unreadable values with their defaults, so a
// config file only needs the keys that differ.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}

	if c.Schedule.URL == "" {
		c.Schedule.URL = d.Schedule.URL
	}
	if c.Schedule.RefreshCron == "" {
		c.Schedule.RefreshCron = d.Schedule.RefreshCron
	}
	if c.Schedule.Timeout <= 0 {
		c.Schedule.Timeout = d.Schedule.Timeout
	}

	if c.RoomStatus.URL == "" {
		c.RoomStatus.URL = d.RoomStatus.URL
	}
	if c.RoomStatus.RefreshInterval <= 0 {
		c.RoomStatus.RefreshInterval = d.RoomStatus.RefreshInterval
	}
	if c.RoomStatus.ExpirationDelay <= 0 {
		c.RoomStatus.ExpirationDelay = d.RoomStatus.ExpirationDelay
	}
	if c.RoomStatus.FirstErrorDelay <= 0 {
		c.RoomStatus.FirstErrorDelay = d.RoomStatus.FirstErrorDelay
	}

	// Unreadable hours fall back to the defaults rather than disabling
	// room status entirely.
	if _, err := daywindow.ParseTimeOfDay(c.DayWindow.Start); err != nil {
		c.DayWindow.Start = d.DayWindow.Start
	}
	if _, err := daywindow.ParseTimeOfDay(c.DayWindow.End); err != nil {
		c.DayWindow.End = d.DayWindow.End
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.AutoSyncEnabled() {
		if _, err := cron.ParseStandard(c.Schedule.RefreshCron); err != nil {
			return fmt.Errorf("config: invalid schedule.refresh %q: %w", c.Schedule.RefreshCron, err)
		}
	}
	start, end := c.DayHours()
	if end <= start {
		return fmt.Errorf("config: day_window.end %s must be after day_window.start %s", c.DayWindow.End, c.DayWindow.Start)
	}
	return nil
}

// BasicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password counts as disabled.
func (c *Config) BasicAuthEnabled() bool {
	return c.BasicAuth != nil && c.BasicAuth.Username != "" && c.BasicAuth.Password != ""
}

// Location loads Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DayHours returns the day window as offsets from midnight. Call after
// Normalize.
func (c *Config) DayHours() (start, end time.Duration) {
	start, _ = daywindow.ParseTimeOfDay(c.DayWindow.Start)
	end, _ = daywindow.ParseTimeOfDay(c.DayWindow.End)
	return start, end
}

// AutoSyncEnabled reports whether periodic synchronization is configured.
func (c *Config) AutoSyncEnabled() bool {
	return c.Schedule.RefreshCron != "off"
}

// Load reads the YAML config at path and fills unset fields with defaults.
// On first run (no file yet) the defaults are written to path with 0600
// permissions and returned; if that write fails the defaults are returned
// together with the error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		return cfg, Save(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save normalizes cfg and writes it to path as YAML. The file is replaced
// atomically and ends up readable by the owner only.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: nil config")
	}
	cfg.Normalize()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".confsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return werr
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes c to path; see Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
