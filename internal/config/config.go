package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultSafePins are the header pins wired to the valve relay board. The
// restricted pins are reserved for I2C, UART, and the one-wire bus and must
// never drive a valve, no matter what the config file says.
var (
	DefaultSafePins       = []int{12, 16, 20, 21, 26, 19, 13, 6, 5, 11, 9, 10, 22, 27, 17, 4}
	DefaultRestrictedPins = []int{2, 3, 14, 15, 18}
)

const DefaultZoneRunMinutes = 10

type ZoneConfig struct {
	Number                 int    `json:"number"`
	Name                   string `json:"name"`
	Pin                    *int   `json:"pin"`
	Enabled                *bool  `json:"enabled"`
	DefaultDurationMinutes int    `json:"default_duration_minutes"`
}

type PolicyConfig struct {
	MinDurationMinutes         int `json:"min_duration_minutes"`
	MaxDurationMinutes         int `json:"max_duration_minutes"`
	MaxConcurrentZones         int `json:"max_concurrent_zones"`
	MinBreakBetweenRunsMinutes int `json:"min_break_between_runs_minutes"`
}

type RainDelayConfig struct {
	DefaultHours        int     `json:"default_hours"`
	ThresholdPercent    float64 `json:"threshold_percent"`
	UseCurrent          bool    `json:"use_current"`
	UseNext12Hours      bool    `json:"use_next_12_hours"`
	UseNext24Hours      bool    `json:"use_next_24_hours"`
	PollIntervalMinutes int     `json:"poll_interval_minutes"`
}

type WeatherConfig struct {
	APIKey              string  `json:"api_key"`
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	PollIntervalMinutes int     `json:"poll_interval_minutes"`
}

type ActuatorConfig struct {
	Driver        string `json:"driver"` // pinctrl, remote, or sim
	RemoteBaseURL string `json:"remote_base_url"`
	RemoteToken   string `json:"remote_token"`
}

type MQTTConfig struct {
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level

	DatabasePath string `json:"database_path"`
	Port         int    `json:"port"`

	RelayActiveHigh *bool `json:"relay_active_high"`

	SafePins       []int `json:"safe_pins"`
	RestrictedPins []int `json:"restricted_pins"`

	Zones []ZoneConfig `json:"zones"`

	Policy    PolicyConfig    `json:"policy"`
	RainDelay RainDelayConfig `json:"rain_delay"`
	Weather   WeatherConfig   `json:"weather"`
	Actuator  ActuatorConfig  `json:"actuator"`

	NtfyTopic string     `json:"ntfy_topic"`
	MQTT      MQTTConfig `json:"mqtt"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	BootScriptFilePath string `json:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path"`
	MainServicePath    string `json:"main_service_path"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/sprinkler.db"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.RelayActiveHigh == nil {
		activeHigh := true
		cfg.RelayActiveHigh = &activeHigh
	}
	if len(cfg.SafePins) == 0 {
		cfg.SafePins = DefaultSafePins
	}
	if len(cfg.RestrictedPins) == 0 {
		cfg.RestrictedPins = DefaultRestrictedPins
	}
	if cfg.Policy.MinDurationMinutes == 0 {
		cfg.Policy.MinDurationMinutes = 1
	}
	if cfg.Policy.MaxDurationMinutes == 0 {
		cfg.Policy.MaxDurationMinutes = 720
	}
	if cfg.Policy.MaxConcurrentZones == 0 {
		cfg.Policy.MaxConcurrentZones = 4
	}
	if cfg.Policy.MinBreakBetweenRunsMinutes == 0 {
		cfg.Policy.MinBreakBetweenRunsMinutes = 15
	}
	if cfg.RainDelay.DefaultHours == 0 {
		cfg.RainDelay.DefaultHours = 24
	}
	if cfg.RainDelay.ThresholdPercent == 0 {
		cfg.RainDelay.ThresholdPercent = 70
	}
	if cfg.RainDelay.PollIntervalMinutes == 0 {
		cfg.RainDelay.PollIntervalMinutes = 30
	}
	if cfg.Weather.PollIntervalMinutes == 0 {
		cfg.Weather.PollIntervalMinutes = 30
	}
	if cfg.Actuator.Driver == "" {
		cfg.Actuator.Driver = "pinctrl"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "sprinkler-controller"
	}
	if cfg.BootScriptFilePath == "" {
		cfg.BootScriptFilePath = "/usr/local/bin/sprinkler-gpio-init.sh"
	}
	if cfg.OSServicePath == "" {
		cfg.OSServicePath = "/etc/systemd/system/sprinkler-gpio-init.service"
	}
	if cfg.MainServicePath == "" {
		cfg.MainServicePath = "/etc/systemd/system/sprinkler-controller.service"
	}

	for i := range cfg.Zones {
		if cfg.Zones[i].Enabled == nil {
			enabled := true
			cfg.Zones[i].Enabled = &enabled
		}
		if cfg.Zones[i].DefaultDurationMinutes == 0 {
			cfg.Zones[i].DefaultDurationMinutes = DefaultZoneRunMinutes
		}
	}
}

func (cfg *Config) validate() {
	var problems []string

	if len(cfg.Zones) == 0 {
		problems = append(problems, "at least one zone must be configured")
	}

	usedNumbers := map[int]string{}
	usedPins := map[int]string{}

	for _, z := range cfg.Zones {
		if z.Number <= 0 {
			problems = append(problems, fmt.Sprintf("zone %q has invalid number %d", z.Name, z.Number))
			continue
		}
		if other, exists := usedNumbers[z.Number]; exists {
			problems = append(problems, fmt.Sprintf("zones %q and %q both use number %d", z.Name, other, z.Number))
		} else {
			usedNumbers[z.Number] = z.Name
		}

		if z.Pin == nil {
			problems = append(problems, fmt.Sprintf("zone %d (%q) is missing a pin", z.Number, z.Name))
			continue
		}
		pin := *z.Pin
		if other, exists := usedPins[pin]; exists {
			problems = append(problems, fmt.Sprintf("zones %q and %q both use pin %d", z.Name, other, pin))
		} else {
			usedPins[pin] = z.Name
		}
		if !cfg.PinAllowed(pin) {
			problems = append(problems, fmt.Sprintf("zone %d (%q) uses pin %d which is not a safe valve pin", z.Number, z.Name, pin))
		}

		if z.DefaultDurationMinutes < cfg.Policy.MinDurationMinutes || z.DefaultDurationMinutes > cfg.Policy.MaxDurationMinutes {
			problems = append(problems, fmt.Sprintf("zone %d (%q) default duration %d is outside [%d, %d]",
				z.Number, z.Name, z.DefaultDurationMinutes, cfg.Policy.MinDurationMinutes, cfg.Policy.MaxDurationMinutes))
		}
	}

	if cfg.Policy.MinDurationMinutes < 1 {
		problems = append(problems, "policy.min_duration_minutes must be at least 1")
	}
	if cfg.Policy.MaxDurationMinutes < cfg.Policy.MinDurationMinutes {
		problems = append(problems, "policy.max_duration_minutes must be >= min_duration_minutes")
	}
	if cfg.Policy.MaxConcurrentZones < 1 {
		problems = append(problems, "policy.max_concurrent_zones must be at least 1")
	}
	if cfg.Policy.MinBreakBetweenRunsMinutes < 0 {
		problems = append(problems, "policy.min_break_between_runs_minutes must not be negative")
	}

	if cfg.RainDelay.ThresholdPercent < 0 || cfg.RainDelay.ThresholdPercent > 100 {
		problems = append(problems, "rain_delay.threshold_percent must be between 0 and 100")
	}
	if cfg.RainDelay.DefaultHours < 1 {
		problems = append(problems, "rain_delay.default_hours must be at least 1")
	}

	switch cfg.Actuator.Driver {
	case "pinctrl", "sim":
	case "remote":
		if cfg.Actuator.RemoteBaseURL == "" {
			problems = append(problems, "actuator.remote_base_url is required for the remote driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown actuator driver %q (valid: pinctrl, remote, sim)", cfg.Actuator.Driver))
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

// PinAllowed reports whether a pin may drive a valve relay: it must be in the
// safe allowlist and must not be in the restricted set.
func (cfg *Config) PinAllowed(pin int) bool {
	for _, p := range cfg.RestrictedPins {
		if p == pin {
			return false
		}
	}
	for _, p := range cfg.SafePins {
		if p == pin {
			return true
		}
	}
	return false
}
