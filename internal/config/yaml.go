package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The daemon accepts its config as JSON or YAML. Rather than keep two
// decoders in sync, YAML input is rewritten to JSON up front and everything
// funnels through the one strict decoder in Parse, so an unknown key (say a
// misspelled "reminders" field) fails identically in both formats.

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toStrictJSON returns data ready for the strict JSON decoder. Non-YAML
// paths pass through untouched.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	if !isYAMLPath(path) {
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites every map key to a string. YAML allows non-string
// keys; JSON does not.
func stringifyKeys(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = stringifyKeys(val)
		}
		return out
	case []any:
		for i := range v {
			v[i] = stringifyKeys(v[i])
		}
		return v
	}
	return in
}
