// Package updates watches a published release manifest and announces
// newer versions on the event bus. The session layer turns those
// announcements into in-thread prompts; this package only decides
// whether there is something to announce.
package updates

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifest describes the latest published release.
type Manifest struct {
	Version string `yaml:"version"`
	Channel string `yaml:"channel,omitempty"`
	Notes   string `yaml:"notes,omitempty"`
}

// parseManifest decodes a release manifest. Version is the only
// required field.
func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse release manifest: %w", err)
	}
	if m.Version == "" {
		return nil, errors.New("release manifest missing version")
	}
	return &m, nil
}
