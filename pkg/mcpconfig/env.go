package mcpconfig

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expander expands ${VAR} references and remembers unresolved ones when
// strict.
type expander struct {
	lookup  func(string) (string, bool)
	strict  bool
	missing []string
}

func (x *expander) expand(s string) string {
	if s == "" {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if value, ok := x.lookup(name); ok && value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		if x.strict {
			x.missing = append(x.missing, name)
		}
		return ""
	})
}

func (x *expander) expandAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = x.expand(v)
	}
	return out
}

func (x *expander) expandMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = x.expand(v)
	}
	return out
}

func (x *expander) err() error {
	if len(x.missing) == 0 {
		return nil
	}
	sort.Strings(x.missing)
	errs := make([]error, 0, len(x.missing))
	for _, name := range x.missing {
		errs = append(errs, fmt.Errorf("environment variable %s is not set", name))
	}
	return errors.Join(errs...)
}
