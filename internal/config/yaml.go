package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes re-encodes YAML input as JSON so a single strict decoder
// (DisallowUnknownFields) covers both formats. JSON input passes through
// untouched. The second return names the detected format for log lines.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	jb, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml: re-encode: %w", err)
	}
	return jb, "yaml", nil
}

// jsonSafe rewrites a decoded YAML document so json.Marshal accepts it:
// map keys become strings all the way down.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonSafe(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = jsonSafe(e)
		}
		return t
	}
	return v
}
