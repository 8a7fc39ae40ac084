// Package manifest parses and validates the composition manifest bundled
// with every render job, and computes the stable fingerprint used for
// idempotent submission and cache lookups.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Composition describes the After-Effects-style composition being rendered.
type Composition struct {
	Name             string  `json:"name"`
	DurationSeconds  float64 `json:"durationSeconds"`
}

// Project identifies the source project file the composition was exported from.
type Project struct {
	Hash string `json:"hash"`
}

// Manifest is the immutable description of what a render job will produce.
type Manifest struct {
	Composition       Composition `json:"composition"`
	Project           Project     `json:"project"`
	Effects           []string    `json:"effects"`
	Fonts             []string    `json:"fonts"`
	ExpressionsCount  int         `json:"expressionsCount"`
	Assets            []string    `json:"assets"`
}

// Fingerprint returns the SHA-256 hex digest of the manifest's canonical
// JSON encoding. Two manifests with the same content, regardless of field
// order, produce the same fingerprint.
func Fingerprint(m Manifest) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize re-encodes arbitrary JSON with object keys sorted and no
// insignificant whitespace, the layout of Python's
// json.dumps(data, sort_keys=True, separators=(',', ':')). Strings are escaped
// by encoding/json: non-ASCII text stays UTF-8 and <, > and & become \u
// escapes, so such strings encode differently from Python's default output.
func Canonicalize(raw []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var buf []byte
	buf, err := appendCanonical(buf, v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	}
}
