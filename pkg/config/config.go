// Package config provides the YAML configuration of the command line tools
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/etekcity"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/scale"
	"gopkg.in/yaml.v3"
)

const (
	birthdateLayout = "2006-01-02"

	defaultUnitAckTimeout = 5 * time.Second
)

// Duration denotes a duration given as Go duration string (e.g. "1m30s")
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration `%s` (line %d): %w", s, value.Line, err)
	}
	*d = Duration(dur)

	return nil
}

// MarshalYAML renders the duration as string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Retry denotes the connection retry settings
type Retry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

// Stabilizer denotes the measurement stabilization settings
type Stabilizer struct {
	MinSamples        int      `yaml:"min_samples"`
	WindowSize        int      `yaml:"window_size"`
	EpsilonKg         float64  `yaml:"epsilon_kg"`
	MinLoadKg         float64  `yaml:"min_load_kg"`
	PairingGrace      Duration `yaml:"pairing_grace"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
}

// Profile denotes the user profile body metrics are computed for
type Profile struct {
	Sex       string  `yaml:"sex"`
	Birthdate string  `yaml:"birthdate"`
	HeightM   float64 `yaml:"height_m"`
}

// API denotes the REST API settings
type API struct {
	Listen string `yaml:"listen"`
}

// Config denotes the full configuration
type Config struct {
	Address        string   `yaml:"address"`
	Name           string   `yaml:"name"`
	Mode           string   `yaml:"mode"`
	DisplayUnit    string   `yaml:"display_unit"`
	UnitAckTimeout Duration `yaml:"unit_ack_timeout"`

	Retry      Retry      `yaml:"retry"`
	Stabilizer Stabilizer `yaml:"stabilizer"`
	Profile    *Profile   `yaml:"profile"`
	API        API        `yaml:"api"`

	Capture string `yaml:"capture"`
	Mock    bool   `yaml:"mock"`
	Debug   bool   `yaml:"debug"`
}

// Default returns the default configuration
func Default() *Config {
	policy := etekcity.DefaultRetryPolicy()
	stab := stabilizer.DefaultConfig()

	return &Config{
		Mode:           etekcity.ModeConnect.String(),
		UnitAckTimeout: Duration(defaultUnitAckTimeout),
		Retry: Retry{
			MaxAttempts:    policy.MaxAttempts,
			InitialBackoff: Duration(policy.InitialBackoff),
			MaxBackoff:     Duration(policy.MaxBackoff),
			Multiplier:     policy.Multiplier,
		},
		Stabilizer: Stabilizer{
			MinSamples:        stab.MinSamples,
			WindowSize:        stab.WindowSize,
			EpsilonKg:         stab.EpsilonKg,
			MinLoadKg:         stab.MinLoadKg,
			PairingGrace:      Duration(stab.PairingGrace),
			InactivityTimeout: Duration(stab.InactivityTimeout),
		},
	}
}

// Load reads the configuration from a YAML file, on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses a YAML configuration, on top of the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if _, err := c.ScaleOptions(); err != nil {
		return err
	}
	if c.Address == "" && c.Name == "" && !c.Mock && c.Mode != etekcity.ModeAdvertisement.String() {
		return errors.New("either address or name of the scale is required")
	}

	return nil
}

// RetryPolicy returns the configured retry policy
func (c *Config) RetryPolicy() etekcity.RetryPolicy {
	return etekcity.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: time.Duration(c.Retry.InitialBackoff),
		MaxBackoff:     time.Duration(c.Retry.MaxBackoff),
		Multiplier:     c.Retry.Multiplier,
	}
}

// StabilizerConfig returns the configured stabilizer parameters
func (c *Config) StabilizerConfig() stabilizer.Config {
	return stabilizer.Config{
		MinSamples:        c.Stabilizer.MinSamples,
		WindowSize:        c.Stabilizer.WindowSize,
		EpsilonKg:         c.Stabilizer.EpsilonKg,
		MinLoadKg:         c.Stabilizer.MinLoadKg,
		PairingGrace:      time.Duration(c.Stabilizer.PairingGrace),
		InactivityTimeout: time.Duration(c.Stabilizer.InactivityTimeout),
	}
}

// ParseMode parses the configured operation mode
func (c *Config) ParseMode() (etekcity.Mode, error) {
	switch strings.ToLower(c.Mode) {
	case "", etekcity.ModeConnect.String():
		return etekcity.ModeConnect, nil
	case etekcity.ModeAdvertisement.String():
		return etekcity.ModeAdvertisement, nil
	}

	return etekcity.ModeConnect, fmt.Errorf("unsupported mode `%s`", c.Mode)
}

// BodyProfile returns the configured user profile, if any
func (c *Config) BodyProfile() (bodymetrics.Profile, bool, error) {
	if c.Profile == nil {
		return bodymetrics.Profile{}, false, nil
	}

	sex, err := bodymetrics.ParseSex(strings.ToLower(c.Profile.Sex))
	if err != nil {
		return bodymetrics.Profile{}, false, err
	}
	birthdate, err := time.Parse(birthdateLayout, c.Profile.Birthdate)
	if err != nil {
		return bodymetrics.Profile{}, false, fmt.Errorf("invalid birthdate `%s`: %w", c.Profile.Birthdate, err)
	}

	return bodymetrics.Profile{
		Sex:       sex,
		Birthdate: birthdate,
		HeightM:   c.Profile.HeightM,
	}, true, nil
}

// ScaleOptions translates the configuration into session options
func (c *Config) ScaleOptions() ([]func(*etekcity.Scale), error) {
	mode, err := c.ParseMode()
	if err != nil {
		return nil, err
	}

	policy := c.RetryPolicy()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry settings: %w", err)
	}
	stab := c.StabilizerConfig()
	if err := stab.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stabilizer settings: %w", err)
	}
	if c.UnitAckTimeout <= 0 {
		return nil, fmt.Errorf("invalid unit ack timeout: %v", time.Duration(c.UnitAckTimeout))
	}

	options := []func(*etekcity.Scale){
		etekcity.WithMode(mode),
		etekcity.WithRetryPolicy(policy),
		etekcity.WithStabilizerConfig(stab),
		etekcity.WithUnitAckTimeout(time.Duration(c.UnitAckTimeout)),
	}
	if c.Name != "" {
		options = append(options, etekcity.WithDeviceName(c.Name))
	}
	if c.DisplayUnit != "" {
		unit, err := scale.ParseWeightUnit(c.DisplayUnit)
		if err != nil {
			return nil, err
		}
		options = append(options, etekcity.WithDisplayUnit(unit))
	}

	profile, ok, err := c.BodyProfile()
	if err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if ok {
		options = append(options, etekcity.WithProfile(profile))
	}

	return options, nil
}
