// Package config loads harness configuration from a YAML file, TORTURE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/thesyncim/torture/pkg/torture"
	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/meeturl"
)

// Browser drivers selectable with the driver key.
const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"

	envPrefix = "TORTURE"
)

// Config is the harness configuration after defaults, file, environment
// and flags are merged.
type Config struct {
	ServerURL  string `mapstructure:"server_url"`
	Tenant     string `mapstructure:"tenant"`
	RoomName   string `mapstructure:"room_name"`
	RoomPrefix string `mapstructure:"room_prefix"`
	Driver     string `mapstructure:"driver"`

	Browser      Browser                    `mapstructure:"browser"`
	Participants map[string]BrowserOverride `mapstructure:"participants"`

	// Consumed by feature tests outside the core harness.
	DialInRESTURL  string `mapstructure:"dialin_rest_url"`
	ModeratorToken string `mapstructure:"moderator_token"`

	Timeouts  Timeouts  `mapstructure:"timeouts"`
	Heartbeat Heartbeat `mapstructure:"heartbeat"`
	Setup     Setup     `mapstructure:"setup"`

	// ConfigParams are "key=value" pairs appended as config.key=value to
	// every join URL.
	ConfigParams []string `mapstructure:"config_params"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Browser holds the launch options shared by every participant.
type Browser struct {
	Headless    bool     `mapstructure:"headless"`
	Binary      string   `mapstructure:"binary"`
	FakeVideo   string   `mapstructure:"fake_video"`
	FakeAudio   string   `mapstructure:"fake_audio"`
	Flags       []string `mapstructure:"flags"`
	WindowSize  string   `mapstructure:"window_size"`
	Imitated    bool     `mapstructure:"imitated"`
	SkipIceWait bool     `mapstructure:"skip_ice_wait"`
}

// BrowserOverride changes selected Browser fields for one slot.
type BrowserOverride struct {
	Headless    *bool    `mapstructure:"headless"`
	Binary      *string  `mapstructure:"binary"`
	FakeVideo   *string  `mapstructure:"fake_video"`
	FakeAudio   *string  `mapstructure:"fake_audio"`
	Flags       []string `mapstructure:"flags"`
	WindowSize  *string  `mapstructure:"window_size"`
	Imitated    *bool    `mapstructure:"imitated"`
	SkipIceWait *bool    `mapstructure:"skip_ice_wait"`
}

// Timeouts bounds the participant waits and queries.
type Timeouts struct {
	MUCJoin      time.Duration `mapstructure:"muc_join"`
	ICE          time.Duration `mapstructure:"ice"`
	Script       time.Duration `mapstructure:"script"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Heartbeat configures the monitor started after setup.
type Heartbeat struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Duration     time.Duration `mapstructure:"duration"`
	FailFast     bool          `mapstructure:"fail_fast"`
}

// Setup controls how many participants are created and how fast browsers
// are launched.
type Setup struct {
	Participants int     `mapstructure:"participants"`
	Parallelism  int     `mapstructure:"parallelism"`
	LaunchRate   float64 `mapstructure:"launch_rate"`
	LaunchBurst  int     `mapstructure:"launch_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "")
	v.SetDefault("tenant", "")
	v.SetDefault("room_name", "")
	v.SetDefault("room_prefix", torture.DefaultRoomPrefix)
	v.SetDefault("driver", DriverRod)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.binary", "")
	v.SetDefault("browser.fake_video", "")
	v.SetDefault("browser.fake_audio", "")
	v.SetDefault("browser.flags", []string{})
	v.SetDefault("browser.window_size", "1280x720")
	v.SetDefault("browser.imitated", false)
	v.SetDefault("browser.skip_ice_wait", false)

	v.SetDefault("dialin_rest_url", "")
	v.SetDefault("moderator_token", "")

	v.SetDefault("timeouts.muc_join", "15s")
	v.SetDefault("timeouts.ice", "15s")
	v.SetDefault("timeouts.script", "5s")
	v.SetDefault("timeouts.poll_interval", "500ms")

	v.SetDefault("heartbeat.initial_delay", "10s")
	v.SetDefault("heartbeat.interval", "10s")
	v.SetDefault("heartbeat.duration", "0s")
	v.SetDefault("heartbeat.fail_fast", true)

	v.SetDefault("setup.participants", 2)
	v.SetDefault("setup.parallelism", 4)
	v.SetDefault("setup.launch_rate", 0.0)
	v.SetDefault("setup.launch_burst", 1)

	v.SetDefault("config_params", []string{})
	v.SetDefault("metrics_addr", ":9090")
}

// RegisterFlags adds the harness flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML configuration file (env TORTURE_CONFIG)")
	fs.String("server-url", "", "Conference server base URL, e.g. https://meet.example.com")
	fs.String("tenant", "", "Tenant name prepended to the room")
	fs.String("room", "", "Room name (default: random)")
	fs.String("driver", DriverRod, "Browser driver: rod or chromedp")
	fs.Bool("headless", true, "Run browsers headless")
	fs.String("browser-binary", "", "Browser executable")
	fs.StringSlice("config-param", nil, "Extra config.key=value fragment parameter (repeatable)")
	fs.Int("participants", 2, "Number of participants")
	fs.Duration("duration", 0, "Heartbeat duration, 0 runs until interrupted")
	fs.Duration("interval", 10*time.Second, "Heartbeat interval")
	fs.String("metrics-addr", ":9090", "Address serving /metrics")
}

var flagKeys = map[string]string{
	"server-url":     "server_url",
	"tenant":         "tenant",
	"room":           "room_name",
	"driver":         "driver",
	"headless":       "browser.headless",
	"browser-binary": "browser.binary",
	"config-param":   "config_params",
	"participants":   "setup.participants",
	"duration":       "heartbeat.duration",
	"interval":       "heartbeat.interval",
	"metrics-addr":   "metrics_addr",
}

// Load parses args into fs and resolves the configuration. fs may be nil,
// in which case only the file and environment are consulted.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	file := os.Getenv(envPrefix + "_CONFIG")
	if fs != nil {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Changed {
			file = f.Value.String()
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q is not an http(s) URL", c.ServerURL))
	}
	switch c.Driver {
	case DriverRod, DriverChromedp:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if _, _, err := parseWindowSize(c.Browser.WindowSize); err != nil {
		errs = append(errs, err)
	}
	for slot, o := range c.Participants {
		if o.WindowSize != nil {
			if _, _, err := parseWindowSize(*o.WindowSize); err != nil {
				errs = append(errs, fmt.Errorf("participants.%s: %w", slot, err))
			}
		}
	}
	if c.Timeouts.MUCJoin <= 0 || c.Timeouts.ICE <= 0 || c.Timeouts.Script <= 0 || c.Timeouts.PollInterval <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.InitialDelay < 0 || c.Heartbeat.Duration < 0 {
		errs = append(errs, errors.New("heartbeat.initial_delay and heartbeat.duration must not be negative"))
	}
	if c.Setup.Participants < 1 {
		errs = append(errs, errors.New("setup.participants must be at least 1"))
	}
	if c.Setup.Parallelism < 1 {
		errs = append(errs, errors.New("setup.parallelism must be at least 1"))
	}
	if c.Setup.LaunchRate < 0 {
		errs = append(errs, errors.New("setup.launch_rate must not be negative"))
	}
	for _, p := range c.ConfigParams {
		if k, _, _ := strings.Cut(p, "="); k == "" {
			errs = append(errs, fmt.Errorf("config_params entry %q has no key", p))
		}
	}
	return errors.Join(errs...)
}

// BaseURL returns the conference URL every participant joins by default.
// Without a configured room name the room is random.
func (c *Config) BaseURL() *meeturl.URL {
	room := c.RoomName
	if room == "" {
		room = meeturl.RandomRoomName(c.RoomPrefix)
	}
	u := meeturl.New().
		SetServerURL(c.ServerURL).
		SetTenant(c.Tenant).
		SetRoomName(room)
	for _, p := range c.ConfigParams {
		u.AppendConfig(p)
	}
	return u
}

// BrowserOptions returns the default launch options.
func (c *Config) BrowserOptions() driver.BrowserOptions {
	return c.Browser.options()
}

// SlotOptions returns the launch options of every slot with overrides.
func (c *Config) SlotOptions() map[string]driver.BrowserOptions {
	if len(c.Participants) == 0 {
		return nil
	}
	out := make(map[string]driver.BrowserOptions, len(c.Participants))
	for slot, o := range c.Participants {
		out[slot] = o.apply(c.Browser).options()
	}
	return out
}

// PoolConfig returns the pool configuration, joining base.
func (c *Config) PoolConfig(base *meeturl.URL) torture.PoolConfig {
	limit := rate.Limit(c.Setup.LaunchRate)
	return torture.PoolConfig{
		BaseURL:        base,
		DefaultOptions: c.BrowserOptions(),
		SlotOptions:    c.SlotOptions(),
		Timeouts: torture.Timeouts{
			MUCJoin:      c.Timeouts.MUCJoin,
			IceConnected: c.Timeouts.ICE,
			Query:        c.Timeouts.Script,
			PollInterval: c.Timeouts.PollInterval,
		},
		Parallelism: c.Setup.Parallelism,
		LaunchRate:  limit,
		LaunchBurst: c.Setup.LaunchBurst,
	}
}

// HeartbeatConfig returns the heartbeat settings with the given check.
func (c *Config) HeartbeatConfig(check torture.HeartbeatCheck) torture.HeartbeatConfig {
	return torture.HeartbeatConfig{
		Duration: c.Heartbeat.Duration,
		FailFast: c.Heartbeat.FailFast,
		Check:    check,
	}
}

func (b Browser) options() driver.BrowserOptions {
	w, h, err := parseWindowSize(b.WindowSize)
	if err != nil {
		d := driver.DefaultBrowserOptions()
		w, h = d.WindowWidth, d.WindowHeight
	}
	return driver.BrowserOptions{
		Headless:     b.Headless,
		Binary:       b.Binary,
		FakeVideo:    b.FakeVideo,
		FakeAudio:    b.FakeAudio,
		Flags:        append([]string(nil), b.Flags...),
		WindowWidth:  w,
		WindowHeight: h,
		Imitated:     b.Imitated,
		SkipIceWait:  b.SkipIceWait,
	}
}

func (o BrowserOverride) apply(b Browser) Browser {
	if o.Headless != nil {
		b.Headless = *o.Headless
	}
	if o.Binary != nil {
		b.Binary = *o.Binary
	}
	if o.FakeVideo != nil {
		b.FakeVideo = *o.FakeVideo
	}
	if o.FakeAudio != nil {
		b.FakeAudio = *o.FakeAudio
	}
	if o.Flags != nil {
		b.Flags = o.Flags
	}
	if o.WindowSize != nil {
		b.WindowSize = *o.WindowSize
	}
	if o.Imitated != nil {
		b.Imitated = *o.Imitated
	}
	if o.SkipIceWait != nil {
		b.SkipIceWait = *o.SkipIceWait
	}
	return b
}

// parseWindowSize parses "WIDTHxHEIGHT".
func parseWindowSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("window size %q: want WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("window size %q: bad width", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("window size %q: bad height", s)
	}
	return w, h, nil
}
