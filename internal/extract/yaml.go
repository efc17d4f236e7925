package extract

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"

	"github.com/osintops/dragnet/internal/storage"
)

type detectorFile struct {
	Detectors []detectorSpec `yaml:"detectors"`
}

type detectorSpec struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
	Priority int    `yaml:"priority"`
}

// LoadYAMLFile registers extra detectors from a YAML file. Detectors already
// present (by name) are left untouched. Invalid entries fail the whole load
// so a typo cannot silently drop a detector.
func (e *Extractor) LoadYAMLFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read detectors file: %w", err)
	}
	var file detectorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse detectors file: %w", err)
	}

	existing, err := e.store.ListDetectors(ctx, false)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, d := range existing {
		have[d.Name] = true
	}

	for _, spec := range file.Detectors {
		if spec.Name == "" || spec.Pattern == "" {
			return fmt.Errorf("detector entry missing name or pattern")
		}
		if _, err := regexp.Compile(spec.Pattern); err != nil {
			return fmt.Errorf("detector %q: %w", spec.Name, err)
		}
		if have[spec.Name] {
			continue
		}
		d := &storage.Detector{
			Name:     spec.Name,
			Pattern:  spec.Pattern,
			Category: spec.Category,
			Priority: spec.Priority,
			IsActive: true,
		}
		if _, err := e.store.CreateDetector(ctx, d); err != nil {
			return err
		}
	}
	return e.LoadDetectors(ctx)
}
