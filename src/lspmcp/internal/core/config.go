package core

import (
	"os"
	"path/filepath"
	"strings"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the configuration dependencies.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// _defaultConfig backs the provider when no config directory is present, so
// the binary runs with sane defaults out of the box.
const _defaultConfig = `
logging:
  level: info
  development: false
  encoding: json
sidecar:
  command: lspmux
  requestTimeout: 30s
  shutdownGracePeriod: 5s
serverInfoFilePath: ""
mcp:
  name: lspmcp
  version: 1.0.0
`

// NewConfig loads $LSPMCP_CONFIG_DIR/base.yaml when it exists, layered over
// the built-in defaults, with environment variable expansion.
func NewConfig() (uber_config.Provider, error) {
	options := []uber_config.YAMLOption{
		uber_config.Source(strings.NewReader(_defaultConfig)),
	}

	if configDir := os.Getenv("LSPMCP_CONFIG_DIR"); configDir != "" {
		basePath := filepath.Join(configDir, "base.yaml")
		if _, err := os.Stat(basePath); err == nil {
			options = append(options, uber_config.File(basePath))
		}
	}

	options = append(options, uber_config.Expand(os.LookupEnv))
	return uber_config.NewYAML(options...)
}
