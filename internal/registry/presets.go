package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPresetNotFound is returned when loading a preset that does not
// exist on disk.
var ErrPresetNotFound = errors.New("preset not found")

// Preset is a named snapshot of a strategy's parameter values, stored
// one JSON file per preset.
type Preset struct {
	Name        string                        `json:"name"`
	Description string                        `json:"description,omitempty"`
	StrategyKey string                        `json:"strategy_key"`
	CreatedAt   time.Time                     `json:"created_at"`
	Parameters  map[string]map[string]float64 `json:"parameters"` // phase -> name -> value
}

// PresetStore persists presets as JSON files in one directory.
type PresetStore struct {
	dir    string
	logger *logrus.Logger
}

// NewPresetStore creates the store, making the directory if needed.
func NewPresetStore(dir string, logger *logrus.Logger) (*PresetStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating preset dir: %w", err)
	}
	return &PresetStore{dir: dir, logger: logger}, nil
}

// Snapshot captures the current parameter values of a strategy as a
// new preset. It does not persist; call Save for that.
func (ps *PresetStore) Snapshot(reg *Registry, strategyKey, name, description string) (*Preset, error) {
	params, err := reg.Snapshot(strategyKey)
	if err != nil {
		return nil, err
	}
	return &Preset{
		Name:        name,
		Description: description,
		StrategyKey: strategyKey,
		CreatedAt:   time.Now().UTC(),
		Parameters:  params,
	}, nil
}

// Save writes a preset to disk and returns its file path. Overwriting
// an existing preset first copies the old file to <name>.json.bak.
func (ps *PresetStore) Save(p *Preset) (string, error) {
	if p.Name == "" {
		return "", fmt.Errorf("preset name is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	path := ps.path(p.Name)
	if prev, err := os.ReadFile(path); err == nil { // #nosec G304 -- path derived from sanitised name
		if err := os.WriteFile(path+".bak", prev, 0o600); err != nil {
			return "", fmt.Errorf("backing up existing preset: %w", err)
		}
		ps.logger.WithField("preset", p.Name).Info("existing preset backed up")
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling preset: %w", err)
	}

	tmp, err := os.CreateTemp(ps.dir, "preset-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing preset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("replacing preset file: %w", err)
	}
	return path, nil
}

// Load reads one preset by name.
func (ps *PresetStore) Load(name string) (*Preset, error) {
	data, err := os.ReadFile(ps.path(name)) // #nosec G304 -- path derived from sanitised name
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrPresetNotFound)
		}
		return nil, fmt.Errorf("reading preset: %w", err)
	}
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing preset %s: %w", name, err)
	}
	return &p, nil
}

// List returns every readable preset in the directory, sorted by name.
// Unparseable files are skipped with a warning.
func (ps *PresetStore) List() ([]*Preset, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		return nil, fmt.Errorf("reading preset dir: %w", err)
	}
	var presets []*Preset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ps.dir, e.Name())) // #nosec G304 -- constrained to preset dir
		if err != nil {
			ps.logger.WithError(err).WithField("file", e.Name()).Warn("skipping unreadable preset")
			continue
		}
		var p Preset
		if err := json.Unmarshal(data, &p); err != nil {
			ps.logger.WithError(err).WithField("file", e.Name()).Warn("skipping malformed preset")
			continue
		}
		presets = append(presets, &p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets, nil
}

// Apply pushes a preset's values through the registry update path one
// parameter at a time and returns a "phase.name" -> success map.
// Partial failure is expected; failed parameters keep their previous
// values.
func (ps *PresetStore) Apply(p *Preset, reg *Registry) map[string]bool {
	results := make(map[string]bool)
	for phase, byName := range p.Parameters {
		for name, value := range byName {
			key := phase + "." + name
			err := reg.Update(p.StrategyKey, Phase(phase), name, value)
			results[key] = err == nil
			if err != nil {
				ps.logger.WithError(err).WithFields(logrus.Fields{
					"preset":    p.Name,
					"parameter": key,
				}).Warn("preset parameter not applied")
			}
		}
	}
	return results
}

func (ps *PresetStore) path(name string) string {
	return filepath.Join(ps.dir, SafeFilename(name)+".json")
}

// SafeFilename replaces every character outside [A-Za-z0-9-_] with an
// underscore.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
