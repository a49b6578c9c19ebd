package command

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the serve command's flags; a YAML file supplies defaults
// and explicitly set flags win over it.
type Config struct {
	Listen         []string      `yaml:"listen"`
	LogLevel       string        `yaml:"log_level"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AdminPublicKey string        `yaml:"admin_public_key"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeBackoff   time.Duration `yaml:"probe_backoff"`
	ProbeAttempts  uint64        `yaml:"probe_attempts"`
}

func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}

	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, err
	}

	return config, nil
}
