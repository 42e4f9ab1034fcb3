package config

import (
	"fmt"
	"os"

	"smartcontroller/internal/climate"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads the automations file
type Loader struct {
	path         string
	unitOverride string
	logger       *zap.Logger
	file         *File
}

// NewLoader creates a loader for path. A non-empty unitOverride replaces the
// file's temperature_unit.
func NewLoader(path, unitOverride string, logger *zap.Logger) *Loader {
	return &Loader{
		path:         path,
		unitOverride: unitOverride,
		logger:       logger.Named("config"),
	}
}

// Load reads, normalizes and validates the file. The previously loaded file
// is kept when this fails.
func (l *Loader) Load() (*File, error) {
	l.logger.Debug("Loading automations", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read automations file: %w", err)
	}

	f, err := Parse(data, l.unitOverride)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", l.path, err)
	}

	l.file = f
	l.logger.Info("Automations loaded",
		zap.String("path", l.path),
		zap.Int("count", len(f.Automations)),
		zap.String("temperature_unit", f.TemperatureUnit))
	return f, nil
}

// File returns the last successfully loaded file
func (l *Loader) File() *File {
	return l.file
}

// Parse decodes an automations document. The temperature unit is taken from
// unitOverride, then the document, then defaults to Fahrenheit.
func Parse(data []byte, unitOverride string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ValidationError{Kind: KindInvalid, Message: err.Error()}
	}

	unit := climate.Fahrenheit
	raw := unitOverride
	if raw == "" {
		raw = f.TemperatureUnit
	}
	if raw != "" {
		parsed, err := climate.ParseUnit(raw)
		if err != nil {
			return nil, &ValidationError{Kind: KindInvalid, Message: err.Error()}
		}
		unit = parsed
	}

	f.Normalize(unit)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Unit returns the normalized temperature unit
func (f *File) Unit() climate.Unit {
	if u, err := climate.ParseUnit(f.TemperatureUnit); err == nil {
		return u
	}
	return climate.Fahrenheit
}
