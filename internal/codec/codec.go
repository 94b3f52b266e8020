// Package codec converts section values to and from the backing store's
// string representation.
//
// A section is either list-shaped (an ordered JSON array of records) or
// map-shaped (a JSON object keyed by a secondary id such as a team or a
// member). Decoding never fails the caller: absent values become the
// section's empty value and malformed JSON is logged and treated as no data.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrUnknownSection is returned for section names that are not registered.
// Using one is a programmer error.
var ErrUnknownSection = errors.New("unknown section")

// Shape is the JSON shape of a section value.
type Shape int

const (
	ShapeList Shape = iota
	ShapeMap
)

func (s Shape) String() string {
	if s == ShapeMap {
		return "map"
	}
	return "list"
}

// Empty returns the empty value for the shape.
func (s Shape) Empty() json.RawMessage {
	if s == ShapeMap {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(`[]`)
}

// Registry knows every section name and its shape.
type Registry struct {
	shapes map[string]Shape
	logger *slog.Logger
}

// NewRegistry builds a registry from name→shape pairs.
func NewRegistry(shapes map[string]Shape) *Registry {
	copied := make(map[string]Shape, len(shapes))
	for name, shape := range shapes {
		copied[name] = shape
	}
	return &Registry{shapes: copied, logger: slog.Default()}
}

// WithLogger returns the registry logging through logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// DefaultSections is the dashboard's section set.
func DefaultSections() *Registry {
	return NewRegistry(map[string]Shape{
		"papers":          ShapeList,
		"todos":           ShapeList,
		"labChat":         ShapeList,
		"boards":          ShapeList,
		"experiments":     ShapeList,
		"files":           ShapeList,
		"announcements":   ShapeList,
		"calendar":        ShapeList,
		"dailyTargets":    ShapeList,
		"resources":       ShapeList,
		"ideas":           ShapeList,
		"dispatches":      ShapeList,
		"conferences":     ShapeList,
		"timetable":       ShapeList,
		"analysisData":    ShapeList,
		"modificationLog": ShapeList,
		"teamMemos":       ShapeMap,
		"memberChat":      ShapeMap,
		"teamChat":        ShapeMap,
		"personalMemos":   ShapeMap,
		"teamBoards":      ShapeMap,
		"readReceipts":    ShapeMap,
	})
}

// Shape reports the shape of a section.
func (r *Registry) Shape(section string) (Shape, error) {
	shape, ok := r.shapes[section]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
	return shape, nil
}

// Has reports whether the section is registered.
func (r *Registry) Has(section string) bool {
	_, ok := r.shapes[section]
	return ok
}

// Names returns all registered section names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.shapes))
	for name := range r.shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty returns the empty value of a section.
func (r *Registry) Empty(section string) (json.RawMessage, error) {
	shape, err := r.Shape(section)
	if err != nil {
		return nil, err
	}
	return shape.Empty(), nil
}

// Encode serializes a section value for the backing store. A nil value
// encodes as the section's empty value. The value must be valid JSON of the
// section's shape.
func (r *Registry) Encode(section string, value json.RawMessage) (string, error) {
	shape, err := r.Shape(section)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(value)) == 0 {
		return string(shape.Empty()), nil
	}
	if !json.Valid(value) {
		return "", fmt.Errorf("encode %s: invalid JSON", section)
	}
	if shapeOf(value) != shape {
		return "", fmt.Errorf("encode %s: expected %s value", section, shape)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return "", fmt.Errorf("encode %s: %w", section, err)
	}
	return buf.String(), nil
}

// Decode parses a stored section value. ok is false when the raw value was
// absent or unusable; the returned value is then the section's empty value.
// Decode never returns an error for bad data, only for unknown sections.
func (r *Registry) Decode(section string, raw string) (json.RawMessage, bool, error) {
	shape, err := r.Shape(section)
	if err != nil {
		return nil, false, err
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return shape.Empty(), false, nil
	}
	if !json.Valid([]byte(trimmed)) {
		r.logger.Warn("discarding malformed section value", "section", section, "bytes", len(raw))
		return shape.Empty(), false, nil
	}
	if shapeOf([]byte(trimmed)) != shape {
		r.logger.Warn("discarding section value of wrong shape", "section", section, "want", shape.String())
		return shape.Empty(), false, nil
	}
	return json.RawMessage(trimmed), true, nil
}

func shapeOf(value []byte) Shape {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ShapeMap
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return ShapeList
	}
	return -1
}
