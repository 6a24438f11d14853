package leadsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema rejects unknown keys so a typo in a config file fails loud
// instead of silently falling back to a default.
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["sheet_url", "store_dsn"],
	"properties": {
		"sheet_url":      {"type": "string", "minLength": 1},
		"sheet_tab":      {"type": "integer", "minimum": 0},
		"interval":       {"type": "string"},
		"initial_delay":  {"type": "string"},
		"store_dsn":      {"type": "string", "minLength": 1},
		"store_token":    {"type": "string"},
		"queue_dsn":      {"type": "string"},
		"queue_capacity": {"type": "integer", "minimum": 1},
		"workers":        {"type": "integer", "minimum": 1},
		"listen_addr":    {"type": "string"},
		"auth_token":     {"type": "string"},
		"watch_dir":      {"type": "string"}
	}
}`

// Config is the file-based configuration surface. Flags and environment
// variables override it in the command wiring.
type Config struct {
	SheetURL      string
	SheetTab      int
	Interval      time.Duration
	InitialDelay  time.Duration
	StoreDSN      string
	StoreToken    string
	QueueDSN      string
	QueueCapacity int
	Workers       int
	ListenAddr    string
	AuthToken     string
	WatchDir      string
}

type rawConfig struct {
	SheetURL      string `json:"sheet_url"`
	SheetTab      int    `json:"sheet_tab"`
	Interval      string `json:"interval"`
	InitialDelay  string `json:"initial_delay"`
	StoreDSN      string `json:"store_dsn"`
	StoreToken    string `json:"store_token"`
	QueueDSN      string `json:"queue_dsn"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	ListenAddr    string `json:"listen_addr"`
	AuthToken     string `json:"auth_token"`
	WatchDir      string `json:"watch_dir"`
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(data); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Config{
		SheetURL:      strings.TrimSpace(raw.SheetURL),
		SheetTab:      raw.SheetTab,
		StoreDSN:      strings.TrimSpace(raw.StoreDSN),
		StoreToken:    strings.TrimSpace(raw.StoreToken),
		QueueDSN:      strings.TrimSpace(raw.QueueDSN),
		QueueCapacity: raw.QueueCapacity,
		Workers:       raw.Workers,
		ListenAddr:    strings.TrimSpace(raw.ListenAddr),
		AuthToken:     strings.TrimSpace(raw.AuthToken),
		WatchDir:      strings.TrimSpace(raw.WatchDir),
	}
	if cfg.Interval, err = parseConfigDuration("interval", raw.Interval); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.InitialDelay, err = parseConfigDuration("initial_delay", raw.InitialDelay); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func validateConfig(data []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

func parseConfigDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
