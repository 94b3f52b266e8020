package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one item of a list-shaped section. Records are free-form JSON
// objects; only the "id" and "author" fields carry meaning for sync.
type Record map[string]any

// ID returns the record's numeric id, or 0 when it has none.
func (r Record) ID() int64 {
	return toInt64(r["id"])
}

// Author returns the name of the record's creator.
func (r Record) Author() string {
	for _, key := range []string{"author", "sender", "createdBy"} {
		if s, ok := r[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// Path addresses a record list: a list-shaped section, or one entry of a
// map-shaped section written as "section/key" (e.g. "teamChat/alpha").
type Path struct {
	Section string
	Key     string
}

// ParsePath splits "section/key".
func ParsePath(name string) Path {
	section, key, _ := strings.Cut(name, "/")
	return Path{Section: section, Key: key}
}

func (p Path) String() string {
	if p.Key == "" {
		return p.Section
	}
	return p.Section + "/" + p.Key
}

// DecodeRecords parses a JSON array of records, keeping numbers exact.
func DecodeRecords(value json.RawMessage) ([]Record, error) {
	if len(bytes.TrimSpace(value)) == 0 || string(bytes.TrimSpace(value)) == "null" {
		return []Record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// EncodeRecords serializes records as a JSON array.
func EncodeRecords(records []Record) (json.RawMessage, error) {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return raw, nil
}

// DecodeEntries parses a map-shaped section value.
func DecodeEntries(value json.RawMessage) (map[string]json.RawMessage, error) {
	entries := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(value)) == 0 || string(bytes.TrimSpace(value)) == "null" {
		return entries, nil
	}
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return entries, nil
}

// EncodeEntries serializes a map-shaped section value. Keys are emitted in
// sorted order so equal maps encode to equal bytes.
func EncodeEntries(entries map[string]json.RawMessage) (json.RawMessage, error) {
	if entries == nil {
		entries = map[string]json.RawMessage{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode entries: %w", err)
	}
	return raw, nil
}

// RecordsAt reads the record list addressed by key inside a section value.
// For list-shaped sections key must be empty.
func RecordsAt(shape Shape, value json.RawMessage, key string) ([]Record, error) {
	if shape == ShapeList {
		if key != "" {
			return nil, fmt.Errorf("list section has no key %q", key)
		}
		return DecodeRecords(value)
	}
	if key == "" {
		return nil, fmt.Errorf("map section needs a key")
	}
	entries, err := DecodeEntries(value)
	if err != nil {
		return nil, err
	}
	return DecodeRecords(entries[key])
}

// WithRecordsAt returns the section value with the list at key replaced.
func WithRecordsAt(shape Shape, value json.RawMessage, key string, records []Record) (json.RawMessage, error) {
	list, err := EncodeRecords(records)
	if err != nil {
		return nil, err
	}
	if shape == ShapeList {
		if key != "" {
			return nil, fmt.Errorf("list section has no key %q", key)
		}
		return list, nil
	}
	if key == "" {
		return nil, fmt.Errorf("map section needs a key")
	}
	entries, err := DecodeEntries(value)
	if err != nil {
		return nil, err
	}
	entries[key] = list
	return EncodeEntries(entries)
}

// IndexOf returns the position of the record with id, or -1.
func IndexOf(records []Record, id int64) int {
	for i, r := range records {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

// MaxID returns the largest record id in the list, or 0.
func MaxID(records []Record) int64 {
	var max int64
	for _, r := range records {
		if id := r.ID(); id > max {
			max = id
		}
	}
	return max
}

// SectionMaxID returns the largest record id anywhere in a section value.
// Map entries that are not record lists are skipped.
func SectionMaxID(shape Shape, value json.RawMessage) int64 {
	if shape == ShapeList {
		records, err := DecodeRecords(value)
		if err != nil {
			return 0
		}
		return MaxID(records)
	}
	entries, err := DecodeEntries(value)
	if err != nil {
		return 0
	}
	var max int64
	for _, entry := range entries {
		records, err := DecodeRecords(entry)
		if err != nil {
			continue
		}
		if id := MaxID(records); id > max {
			max = id
		}
	}
	return max
}
