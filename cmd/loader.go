package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file for the service and maps it
// to the base AppConfig (Stage 1). Environment overrides are applied
// separately by the entrypoint.
func Load(logger *slog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	return config.NewConfigFromYaml(&yamlCfg, logger)
}
