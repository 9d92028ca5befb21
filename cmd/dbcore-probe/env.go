package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment describes the connection environment this probe bootstraps
// against: seed nodes, the bucket to open, and the TLS toggle. Credential
// fields are placeholders only — this harness never authenticates, it
// just dumps resolved topology.
type Environment struct {
	Seeds    []string `yaml:"seeds"`
	Bucket   string   `yaml:"bucket"`
	TLS      bool     `yaml:"tls"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
}

func loadEnvironment(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environment file: %w", err)
	}

	var env Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing environment file: %w", err)
	}
	if len(env.Seeds) == 0 {
		return nil, fmt.Errorf("environment file %s names no seeds", path)
	}
	if env.Bucket == "" {
		return nil, fmt.Errorf("environment file %s names no bucket", path)
	}
	return &env, nil
}
