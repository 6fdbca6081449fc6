package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a pipeline configuration from a YAML or JSON
// file. YAML is a superset of JSON, so both go through the same decoder.
func Load(path string) (*PipelineConfig, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .yaml, .yml, or .json)", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline configuration document.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkUniqueIDs(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDirectory loads every config file in a directory, sorted by name.
func LoadDirectory(dir string) ([]*PipelineConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config directory %s: %w", dir, err)
	}

	var configs []*PipelineConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		cfg, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no config files found in %s", dir)
	}
	return configs, nil
}

// applyDefaults fills unset fields from the pipeline-wide defaults.
func applyDefaults(cfg *PipelineConfig) {
	for i := range cfg.Aggregators {
		agg := &cfg.Aggregators[i]
		if agg.Timeout == 0 {
			agg.Timeout = cfg.Defaults.Timeout
		}
		if agg.Retry == nil {
			agg.Retry = cfg.Defaults.Retry
		}
		for j := range agg.Behaviors {
			b := &agg.Behaviors[j]
			if b.Name == "" {
				b.Name = b.ID
			}
		}
	}
}

// checkUniqueIDs rejects duplicate unit IDs. Aggregator IDs are unique across
// the pipeline; behavior and direct-command IDs are unique within their
// aggregator.
func checkUniqueIDs(cfg *PipelineConfig) error {
	aggSeen := make(map[string]struct{}, len(cfg.Aggregators))
	for _, agg := range cfg.Aggregators {
		if _, dup := aggSeen[agg.ID]; dup {
			return fmt.Errorf("duplicate aggregator ID %q", agg.ID)
		}
		aggSeen[agg.ID] = struct{}{}

		unitSeen := make(map[string]struct{})
		for _, b := range agg.Behaviors {
			if _, dup := unitSeen[b.ID]; dup {
				return fmt.Errorf("aggregator %q: duplicate unit ID %q", agg.ID, b.ID)
			}
			unitSeen[b.ID] = struct{}{}

			cmdSeen := make(map[string]struct{}, len(b.Commands))
			for _, c := range b.Commands {
				if _, dup := cmdSeen[c.ID]; dup {
					return fmt.Errorf("behavior %q: duplicate command ID %q", b.ID, c.ID)
				}
				cmdSeen[c.ID] = struct{}{}
			}
		}
		for _, c := range agg.Commands {
			if _, dup := unitSeen[c.ID]; dup {
				return fmt.Errorf("aggregator %q: duplicate unit ID %q", agg.ID, c.ID)
			}
			unitSeen[c.ID] = struct{}{}
		}
	}
	return nil
}
