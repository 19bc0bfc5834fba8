package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR} and ${VAR:default} references in content.
// A ${VAR} reference without default fails if VAR is unset.
func ExpandEnv(content string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(content, func(ref string) string {
		expr := envRef.FindStringSubmatch(ref)[1]
		name, def, hasDefault := strings.Cut(expr, ":")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable(s) required but not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
