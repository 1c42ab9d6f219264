// Package config loads GoldBot's runtime configuration from a YAML file.
// Every field has a default; a missing file is not an error, so the binary
// runs correctly with no configuration at all.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Database is the SQLite file path. The --db flag overrides it.
	Database string `yaml:"database"`

	// Verbose promotes the log level to debug.
	Verbose bool `yaml:"verbose"`

	// Location seeds the singleton location row on first open.
	Location LocationConfig `yaml:"location"`
}

// LocationConfig seeds the location row when the database is empty.
type LocationConfig struct {
	GymName  string `yaml:"gym_name"`
	Timezone string `yaml:"timezone"`

	// BusinessHours maps weekday digits ("0"=Sunday through "6") to ordered
	// [open, close] local-time pairs, e.g. {"1": [["09:00", "17:00"]]}.
	BusinessHours map[string][][]string `yaml:"business_hours"`
}

// Default returns the built-in configuration: weekday 9-5 plus Saturday
// 10:00-14:00 in America/New_York.
func Default() Config {
	return Config{
		Database: "goldbot.sqlite",
		Location: LocationConfig{
			GymName:  "Demo Gym Downtown",
			Timezone: "America/New_York",
			BusinessHours: map[string][][]string{
				"0": {},
				"1": {{"09:00", "17:00"}},
				"2": {{"09:00", "17:00"}},
				"3": {{"09:00", "17:00"}},
				"4": {{"09:00", "17:00"}},
				"5": {{"09:00", "17:00"}},
				"6": {{"10:00", "14:00"}},
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BusinessHoursJSON renders the configured weekly hours in the storage
// format used by the locations table. json.Marshal sorts map keys, so the
// output is deterministic.
func (c LocationConfig) BusinessHoursJSON() (string, error) {
	for key, ranges := range c.BusinessHours {
		for _, pair := range ranges {
			if len(pair) != 2 {
				return "", fmt.Errorf("business hours for day %s: range must be [open, close]", key)
			}
		}
	}
	raw, err := json.Marshal(c.BusinessHours)
	if err != nil {
		return "", fmt.Errorf("encode business hours: %w", err)
	}
	return string(raw), nil
}
