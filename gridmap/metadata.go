package gridmap

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ErrUndecodable is returned when metadata bytes are not text at all
var ErrUndecodable = errors.New("metadata is not decodable as text")

// DecodeError reports where metadata stopped being text
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding metadata at byte %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PartialMetadata holds the fields found in a metadata file.
// A nil field was missing or unparseable.
type PartialMetadata struct {
	Resolution *float64
	Origin     *Pose
}

// WithDefaults fills missing fields from def and returns the names of the
// fields that were taken from def.
func (p PartialMetadata) WithDefaults(def MapMetadata) (MapMetadata, []string) {
	m := def
	var fallbacks []string
	if p.Resolution != nil {
		m.Resolution = *p.Resolution
	} else {
		fallbacks = append(fallbacks, "resolution")
	}
	if p.Origin != nil {
		m.Origin = *p.Origin
	} else {
		fallbacks = append(fallbacks, "origin")
	}
	return m, fallbacks
}

var lineSplit = regexp.MustCompile(`\r?\n`)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeMetadata reads the resolution and origin keys from a map metadata
// file. Only bytes that are not text produce an error; everything else is
// best effort and missing keys are left nil.
func DecodeMetadata(data []byte) (PartialMetadata, error) {
	var meta PartialMetadata

	data = bytes.TrimPrefix(data, utf8BOM)
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return meta, &DecodeError{Offset: i, Err: ErrUndecodable}
	}
	if !utf8.Valid(data) {
		return meta, &DecodeError{Offset: firstInvalidUTF8(data), Err: ErrUndecodable}
	}

	for _, line := range lineSplit.Split(string(data), -1) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "resolution":
			if r, ok := parseResolution(value); ok {
				meta.Resolution = &r
			}
		case "origin":
			if o, ok := parseOrigin(value); ok {
				meta.Origin = &o
			}
		}
	}

	return meta, nil
}

func firstInvalidUTF8(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(data)
}

func parseResolution(value string) (float64, bool) {
	v, err := yamlScalar(value)
	if err != nil {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok || !(f > 0) || math.IsInf(f, 1) {
		return 0, false
	}
	return f, true
}

// parseOrigin accepts "[x, y, theta]" or "x, y, theta". At least two numeric
// components are required; theta defaults to 0.
func parseOrigin(value string) (Pose, bool) {
	var components []any
	v, err := yamlScalar(value)
	switch t := v.(type) {
	case []any:
		components = t
	case string:
		components = splitComponents(t)
	default:
		if err != nil {
			components = splitComponents(value)
		}
	}

	if len(components) < 2 {
		return Pose{}, false
	}
	x, okX := toFloat(components[0])
	y, okY := toFloat(components[1])
	if !okX || !okY {
		return Pose{}, false
	}
	pose := Pose{X: x, Y: y}
	if len(components) > 2 {
		if theta, ok := toFloat(components[2]); ok {
			pose.Theta = theta
		}
	}
	return pose, true
}

// yamlScalar decodes a single value with YAML rules (flow lists, numbers, comments)
func yamlScalar(value string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func splitComponents(s string) []any {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
