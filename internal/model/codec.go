package model

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/hasher"
)

// Encode serializes the manifest as JSON.
func Encode(m *Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	return buf.Bytes(), nil
}

// Decode parses and validates a JSON manifest.
// Unknown fields are ignored so newer writers stay readable.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}

	if m.Algorithm == "" {
		m.Algorithm = hasher.Default
	}
	if m.Files == nil {
		m.Files = []Entry{}
	}

	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	return &m, nil
}
