package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// envVarPattern matches, in order of precedence:
//   - $$ (a literal dollar sign)
//   - ${VAR}, ${VAR:-default}, ${VAR-default}, ${VAR:?message}, ${VAR?message}
//   - $VAR
var envVarPattern = regexp.MustCompile(`\$\$|\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?:(:?[-?])([^}]*))?\}|\$([a-zA-Z_][a-zA-Z0-9_]*)`)

type lookupFunc func(string) (string, bool)

// envExpander substitutes environment references in configuration text.
// The colon forms treat an empty variable like an unset one.
type envExpander struct {
	lookup lookupFunc
}

func newEnvExpander(lookup lookupFunc) *envExpander {
	return &envExpander{lookup: lookup}
}

// expand returns the substituted text. Every missing required variable is
// reported, not only the first.
func (e *envExpander) expand(input string) (string, error) {
	var (
		out  strings.Builder
		errs []error
		last int
	)

	for _, m := range envVarPattern.FindAllStringSubmatchIndex(input, -1) {
		out.WriteString(input[last:m[0]])
		last = m[1]

		if input[m[0]:m[1]] == "$$" {
			out.WriteByte('$')
			continue
		}

		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return input[m[2*i]:m[2*i+1]]
		}

		name, operator, operand := group(1), group(2), group(3)
		if name == "" {
			name = group(4)
		}

		value, err := e.resolve(name, operator, operand)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.WriteString(value)
	}
	out.WriteString(input[last:])

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out.String(), nil
}

func (e *envExpander) resolve(name, operator, operand string) (string, error) {
	value, set := e.lookup(name)
	missing := !set
	if strings.HasPrefix(operator, ":") {
		missing = value == ""
	}

	switch strings.TrimPrefix(operator, ":") {
	case "-":
		if missing {
			return operand, nil
		}
	case "?":
		if missing {
			if operand != "" {
				return "", fmt.Errorf("environment variable %s is required: %s", name, operand)
			}
			return "", fmt.Errorf("environment variable %s is required but not set", name)
		}
	}
	return value, nil
}
