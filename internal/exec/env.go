package exec

import (
	"path"
	"sort"
	"strings"

	"github.com/haasonsaas/codexd/internal/config"
)

// coreVars are the variables kept under EnvInheritCore.
var coreVars = map[string]struct{}{
	"HOME":     {},
	"LOGNAME":  {},
	"PATH":     {},
	"SHELL":    {},
	"TMPDIR":   {},
	"TEMP":     {},
	"TMP":      {},
	"USER":     {},
	"USERNAME": {},
}

// defaultExcludePatterns strip credential-looking names unless the policy
// opts out.
var defaultExcludePatterns = []string{"*KEY*", "*TOKEN*"}

// BuildEnv derives a subprocess environment from environ (os.Environ form)
// per the policy's five derivation steps. The result is sorted by name so
// output is deterministic.
func BuildEnv(policy config.ShellEnvironmentPolicy, environ []string) []string {
	vars := make(map[string]string)

	// 1. Seed from the inherit policy.
	switch policy.Inherit {
	case config.EnvInheritNone:
	case config.EnvInheritCore:
		for _, kv := range environ {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if _, core := coreVars[name]; core {
				vars[name] = value
			}
		}
	default: // EnvInheritAll
		for _, kv := range environ {
			if name, value, ok := strings.Cut(kv, "="); ok {
				vars[name] = value
			}
		}
	}

	// 2. Default excludes.
	if !policy.IgnoreDefaultExcludes {
		deleteMatching(vars, defaultExcludePatterns)
	}

	// 3. User excludes.
	deleteMatching(vars, policy.Exclude)

	// 4. Explicit set entries.
	for name, value := range policy.Set {
		vars[name] = value
	}

	// 5. Retain-only filter.
	if len(policy.IncludeOnly) > 0 {
		for name := range vars {
			if !matchesAny(name, policy.IncludeOnly) {
				delete(vars, name)
			}
		}
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+vars[name])
	}
	return out
}

func deleteMatching(vars map[string]string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	for name := range vars {
		if matchesAny(name, patterns) {
			delete(vars, name)
		}
	}
}

// matchesAny does case-insensitive wildcard matching with * and ?.
func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}
