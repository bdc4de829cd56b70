// Package packet composes Welcome Packets: it merges manifest, profile and
// binding-override documents in fixed precedence order, enforces the
// forbidden-key policy, and computes a content fingerprint over the
// canonicalized packet body.
package packet

import (
	"bytes"
	"encoding/json"

	"github.com/metagate-io/metagate/errors"
)

// Document is a JSON object decoded into the generic value tree. Scalars
// are decoded with json.Number so numeric formatting survives a
// decode/encode round trip unchanged.
type Document map[string]any

// DecodeDocument parses raw JSON into a Document. Empty or "null" input
// yields an empty Document.
func DecodeDocument(raw []byte) (Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Document{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode document")
	}
	return doc, nil
}

// MustDocument parses raw JSON into a Document and panics on error.
// Intended for tests and seed data.
func MustDocument(raw string) Document {
	doc, err := DecodeDocument([]byte(raw))
	if err != nil {
		panic(err)
	}
	return doc
}

// Clone returns a deep copy of the document. Merging never mutates its
// inputs; profiles and manifests are read-only to the core.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Document:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		// Scalars (string, bool, json.Number, nil) are immutable.
		return v
	}
}

// Merge returns a new document with override applied on top of d,
// key by key. When both sides hold an object for the same key the merge
// recurses instead of replacing the nested object wholesale; any other
// pair lets the override win.
func (d Document) Merge(override Document) Document {
	out := d.Clone()
	for k, v := range override {
		baseMap, baseIsMap := asMap(out[k])
		overMap, overIsMap := asMap(v)
		if baseIsMap && overIsMap {
			out[k] = map[string]any(Document(baseMap).Merge(overMap))
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return t, true
	default:
		return nil, false
	}
}
