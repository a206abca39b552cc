package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the trainer handoff file written next to the model
// artifacts. Registering trainer output goes through this file so the
// registry never trusts ad-hoc RPC fields for durable metadata.
type Manifest struct {
	Version   string      `yaml:"version"`
	Parent    string      `yaml:"parent,omitempty"`
	Type      string      `yaml:"type"`
	TrainedAt time.Time   `yaml:"trained_at"`
	Metrics   EvalMetrics `yaml:"metrics"`
	Artifacts []string    `yaml:"artifacts"`
}

// ParseManifest decodes and validates manifest bytes
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest from disk
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest missing version")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return err
	}
	switch TrainType(m.Type) {
	case TrainFull, TrainIncremental:
	default:
		return fmt.Errorf("manifest has unknown train type %q", m.Type)
	}
	if len(m.Artifacts) == 0 {
		return fmt.Errorf("manifest lists no artifacts")
	}
	return nil
}

// ModelVersion converts the manifest into a registrable version row
func (m *Manifest) ModelVersion() ModelVersion {
	return ModelVersion{
		Version:       m.Version,
		ParentVersion: m.Parent,
		Type:          TrainType(m.Type),
		TrainedAt:     m.TrainedAt,
		Metrics:       m.Metrics,
		ArtifactPaths: m.Artifacts,
	}
}
