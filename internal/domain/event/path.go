package event

import "strings"

// FieldPath addresses a possibly nested field, e.g. "requestParameters.instanceId".
type FieldPath struct {
	raw      string
	segments []string
}

// ParsePath builds a FieldPath from its dotted form
func ParsePath(s string) FieldPath {
	s = strings.TrimSpace(s)
	if s == "" {
		return FieldPath{}
	}
	return FieldPath{raw: s, segments: strings.Split(s, ".")}
}

// String returns the dotted form
func (p FieldPath) String() string {
	return p.raw
}

// IsZero reports whether the path is empty
func (p FieldPath) IsZero() bool {
	return p.raw == ""
}

// Lookup resolves the path against a nested mapping. A key that literally
// contains dots takes precedence over descending into nested mappings.
// Missing intermediate fields and non-mapping intermediates yield absent.
func (p FieldPath) Lookup(m map[string]any) (any, bool) {
	if p.IsZero() || m == nil {
		return nil, false
	}
	if v, ok := m[p.raw]; ok {
		return v, v != nil
	}
	return lookupSegments(m, p.segments)
}

func lookupSegments(m map[string]any, segments []string) (any, bool) {
	// Try progressively longer dotted prefixes so that {"a.b": {"c": 1}}
	// resolves "a.b.c".
	for i := 1; i <= len(segments); i++ {
		key := strings.Join(segments[:i], ".")
		v, ok := m[key]
		if !ok {
			continue
		}
		if i == len(segments) {
			return v, v != nil
		}
		if child, ok := asMap(v); ok {
			if found, ok := lookupSegments(child, segments[i:]); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Event:
		return t, true
	default:
		return nil, false
	}
}
