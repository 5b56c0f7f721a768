// Package report exports the race demonstration results as YAML or
// MessagePack documents.
package report

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/marcodamonte/concurrency/countdemo/racedemo"
)

// Format selects the document encoding.
type Format string

const (
	YAML    Format = "yaml"
	MsgPack Format = "msgpack"
)

// ErrUnknownFormat is returned for formats other than YAML and MsgPack.
var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat accepts a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case YAML, MsgPack:
		return f, nil
	case "yml":
		return YAML, nil
	case "mp", "msgp":
		return MsgPack, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownFormat)
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Document is one exported race demonstration.
type Document struct {
	RunID      string                  `yaml:"run_id" msgpack:"run_id"`
	Started    time.Time               `yaml:"started" msgpack:"started"`
	Workers    int                     `yaml:"workers" msgpack:"workers"`
	Increments int                     `yaml:"increments_per_worker" msgpack:"increments_per_worker"`
	Trials     []racedemo.TrialReport  `yaml:"trials" msgpack:"trials"`
	Goroutines []racedemo.WorkerReport `yaml:"worker_goroutines,omitempty" msgpack:"worker_goroutines,omitempty"`
}

// NewDocument stamps a fresh run id and start time.
func NewDocument(workers, increments int) *Document {
	return &Document{
		RunID:      uuid.NewString(),
		Started:    time.Now().UTC(),
		Workers:    workers,
		Increments: increments,
	}
}

// Encode writes doc to w in format f.
func Encode(w io.Writer, f Format, doc *Document) error {
	switch f {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	case MsgPack:
		if err := msgpack.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("encode msgpack report: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%q: %w", f, ErrUnknownFormat)
}

// Decode reads a document written by Encode.
func Decode(r io.Reader, f Format) (*Document, error) {
	var doc Document
	switch f {
	case YAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode yaml report: %w", err)
		}
	case MsgPack:
		if err := msgpack.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode msgpack report: %w", err)
		}
	default:
		return nil, fmt.Errorf("%q: %w", f, ErrUnknownFormat)
	}
	return &doc, nil
}
