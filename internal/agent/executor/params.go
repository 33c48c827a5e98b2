package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParamEnvPrefix prefixes every parameter bound into a script's environment.
const ParamEnvPrefix = "SF_PARAM_"

// ParameterEnv binds parameters as NAME=value environment entries, sorted by
// name. Strings are passed verbatim; everything else is JSON encoded.
func ParameterEnv(params map[string]any) []string {
	if len(params) == 0 {
		return nil
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, name := range names {
		env = append(env, ParamEnvPrefix+EnvName(name)+"="+formatParam(params[name]))
	}
	return env
}

// EnvName upper-cases name and replaces anything outside [A-Z0-9_] with '_'.
func EnvName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// ParametersJSON encodes the full parameter map for SF_PARAMS_FILE.
func ParametersJSON(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return data, nil
}

func formatParam(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
