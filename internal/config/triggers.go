package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"paywall-trigger-engine/internal/paywall"
)

// TriggerFile is the YAML layout of a trigger definition file.
type TriggerFile struct {
	Triggers []paywall.Trigger       `yaml:"triggers"`
	Paywalls []paywall.PaywallConfig `yaml:"paywalls"`
}

// FileSource loads triggers from a YAML file on every call.
type FileSource struct {
	Path string
}

func (s FileSource) LoadConfig(ctx context.Context) (*paywall.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trigger file %s: %w", s.Path, err)
	}
	defer f.Close()

	var tf TriggerFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, fmt.Errorf("failed to decode trigger file %s: %w", s.Path, err)
	}
	return paywall.NewConfig(tf.Triggers, tf.Paywalls), nil
}
