package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the config file on top of Defaults and validates the result.
// An empty filename skips the file entirely and runs with defaults only.
// Malformed files and invalid values are startup failures, so they panic.
func Load(filename string) *AppConfig {
	var appConfig = Defaults()
	if filename != "" {
		readConfig(filename, &appConfig)
	}
	if err := appConfig.validate(); err != nil {
		panic(fmt.Errorf("invalid config '%s': %w", filename, err))
	}
	return &appConfig
}

func readConfig[E any](filename string, into *E) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		panic(fmt.Errorf("could not read config file '%s': %w", filename, err))
	}
	err = yaml.Unmarshal(fileBytes, into)
	if err != nil {
		panic(fmt.Errorf("could not unmarshal config file yaml '%s': %w", filename, err))
	}
}
