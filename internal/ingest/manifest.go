package ingest

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Manifest is a file-based ingestion batch, accepted in YAML or JSON
// (YAML is a superset of JSON, so one decoder covers both).
type Manifest struct {
	UserID  string     `json:"user_id" yaml:"user_id"`
	BatchID string     `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	Events  []Envelope `json:"events" yaml:"events"`
}

// LoadManifest reads and validates a batch manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse manifest %s", path)
	}
	if m.UserID == "" {
		return nil, eris.Errorf("ingest: manifest %s: user_id required", path)
	}
	if len(m.Events) == 0 {
		return nil, eris.Errorf("ingest: manifest %s: no events", path)
	}
	return &m, nil
}
