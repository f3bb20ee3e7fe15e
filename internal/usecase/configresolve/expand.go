package configresolve

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"agentdock/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandPlaceholders replaces ${NAME} in template, looking NAME up in local
// first and shared second. Unknown names are left as written. Expansion is
// a single pass: substituted values are not expanded again.
func ExpandPlaceholders(template string, local, shared map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := local[name]; ok {
			return v
		}
		if v, ok := shared[name]; ok {
			return v
		}
		return m
	})
}

// expandEndpoint returns a copy of ep with every string field expanded.
func expandEndpoint(ep domain.ToolEndpoint, local, shared map[string]string) domain.ToolEndpoint {
	x := func(s string) string { return ExpandPlaceholders(s, local, shared) }

	out := ep
	out.URL = x(ep.URL)
	out.Command = x(ep.Command)
	if ep.Args != nil {
		out.Args = make([]string, len(ep.Args))
		for i, a := range ep.Args {
			out.Args[i] = x(a)
		}
	}
	out.Headers = expandMap(ep.Headers, x)
	out.Env = expandMap(ep.Env, x)
	return out
}

func expandMap(in map[string]string, x func(string) string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = x(v)
	}
	return out
}

// withHeader returns a copy of headers with key set.
func withHeader(headers map[string]string, key, value string) map[string]string {
	out := maps.Clone(headers)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[key] = value
	return out
}

func cloneArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return slices.Clone(args)
}
