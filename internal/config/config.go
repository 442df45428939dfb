// Package config loads application-level settings from a JSON config file
// with sensible defaults. Figure-detection tuning has its own overlay file
// handled by the flight package; this covers everything around it: paths,
// addresses and log verbosity.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/flightline-data/figure.report/internal/flight"
)

// ConfigFileName is the config file viper looks for in the config dir.
const ConfigFileName = "figure.report.cfg.json"

// Load reads configuration from the JSON file in configDir and sets default
// values. A missing config file is not an error; defaults apply.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")

	viper.SetDefault("db.path", "flight.db")
	viper.SetDefault("db.migrationsDir", "migrations")

	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("analyze.tuningFile", "")
	viper.SetDefault("analyze.queueSize", 128)

	viper.SetDefault("site.flightRadiusM", flight.DefaultFlightRadius)
	viper.SetDefault("site.markerRadiusM", flight.DefaultMarkerRadius)
	viper.SetDefault("site.markerHeightM", flight.DefaultMarkerHeight)

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
