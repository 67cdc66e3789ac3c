package env

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"strings"
)

var keyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LookupFunc resolves the value of a bare KEY spec.
type LookupFunc func(key string) (string, bool)

// ParseSpecs parses sandbox env specs. `KEY=VALUE` sets the value as is and a
// bare `KEY` takes the value from the orchestrator process environment.
func ParseSpecs(specs []string) (map[string]string, error) {
	return ParseSpecsWith(specs, os.LookupEnv)
}

// ParseSpecsWith is ParseSpecs with a custom lookup for bare keys.
func ParseSpecsWith(specs []string, lookup LookupFunc) (map[string]string, error) {
	env := make(map[string]string, len(specs))

	for _, spec := range specs {
		if spec == "" {
			return nil, fmt.Errorf("environment variable spec cannot be empty")
		}

		key, value, ok := strings.Cut(spec, "=")
		if !keyRegexp.MatchString(key) {
			return nil, fmt.Errorf("invalid environment variable key %q", key)
		}
		if !ok {
			value, ok = lookup(key)
			if !ok {
				return nil, fmt.Errorf("environment variable %q is not set", key)
			}
		}

		env[key] = value
	}

	return env, nil
}

// Merge returns a new map with the override values on top of the base ones.
func Merge(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	maps.Copy(merged, base)
	maps.Copy(merged, override)
	return merged
}
