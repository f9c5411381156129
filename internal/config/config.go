package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Rules    string `yaml:"rules"`
	Provider string `yaml:"provider"`
	DB       string `yaml:"db"`
	Table    string `yaml:"table"`

	Packets string `yaml:"packets"`
	Out     string `yaml:"out"`
	Allowed string `yaml:"allowed"`

	Workers  int    `yaml:"workers"`
	Mode     string `yaml:"mode"`
	MaxHosts uint64 `yaml:"max_hosts"`
	Watch    bool   `yaml:"watch"`

	Log Logging `yaml:"log"`
}

type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Default() Config {
	return Config{
		Provider: "csv",
		Table:    "fw_rule",
		Out:      "results.csv",
		Allowed:  "allowed.csv",
		Workers:  runtime.NumCPU(),
		Mode:     "sample",
		MaxHosts: 65536,
		Log:      Logging{Level: "INFO"},
	}
}

// Load decodes a YAML document on top of the defaults. Unknown keys are an error.
func Load(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, nil
}

func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "csv":
		if c.Rules == "" {
			return errors.New("rules file path must be provided for csv provider")
		}
	case "mariadb":
		if c.DB == "" {
			return errors.New("database connection string must be provided for mariadb provider")
		}
		if c.Watch {
			return errors.New("watch mode requires the csv provider")
		}
	default:
		return fmt.Errorf("unknown rule provider: %s", c.Provider)
	}

	if c.Packets == "" {
		return errors.New("packets file path must be provided")
	}
	if c.Mode != "sample" && c.Mode != "expand" {
		return fmt.Errorf("unknown matching mode: %s", c.Mode)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}
