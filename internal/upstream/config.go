package upstream

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Transports understood by the manager.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Definition describes one upstream MCP server.
type Definition struct {
	ID        string            `yaml:"id" json:"id"`
	Transport string            `yaml:"transport" json:"transport"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"-"`
}

// Validate checks that the definition carries what its transport needs.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("server id is required")
	}
	switch d.Transport {
	case TransportStdio:
		if d.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", d.ID)
		}
	case TransportHTTP, TransportSSE:
		if d.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a url", d.ID, d.Transport)
		}
	case "":
		return fmt.Errorf("server %s: transport is required", d.ID)
	default:
		return fmt.Errorf("server %s: unknown transport %q", d.ID, d.Transport)
	}
	return nil
}

// File is the on-disk shape of the servers file.
type File struct {
	Servers []Definition `yaml:"servers" json:"servers"`
}

// LoadFile reads and validates server definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := map[string]bool{}
	for _, d := range f.Servers {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate server id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return f.Servers, nil
}
