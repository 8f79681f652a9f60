// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the per-agent-type completion setup.
type Profile struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Preamble    string  `yaml:"preamble"`
}

type profilesFile struct {
	Agents map[string]Profile `yaml:"agents"`
}

// LoadProfiles reads a YAML file of the form
//
//	agents:
//	  planner:
//	    provider: anthropic
//	    model: claude-3-5-sonnet-20241022
//	    preamble: |
//	      ...
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles: %w", err)
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) (map[string]Profile, error) {
	var file profilesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("config: parse profiles: %w", err)
	}
	if file.Agents == nil {
		file.Agents = map[string]Profile{}
	}
	return file.Agents, nil
}
