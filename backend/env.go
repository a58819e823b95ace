package backend

import (
	"os"
	"sort"
	"strings"
)

// EnvPolicy decides which variables of the bridge's environment reach the
// spawned agent. Anything not explicitly allowed is dropped.
type EnvPolicy struct {
	AllowedExact    map[string]bool
	AllowedPrefixes []string
	RedactNameHints []string
}

// DefaultEnvPolicy allows shell and locale basics plus the credential
// variables coding agents authenticate with.
func DefaultEnvPolicy() EnvPolicy {
	allowed := []string{
		"HOME",
		"LANG",
		"LOGNAME",
		"PATH",
		"PWD",
		"SHELL",
		"TERM",
		"TMPDIR",
		"TMP",
		"TEMP",
		"USER",
		"XDG_CONFIG_HOME",
		"XDG_DATA_HOME",
		"XDG_CACHE_HOME",

		"ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"GEMINI_API_KEY",
		"GOOGLE_API_KEY",
		"GOOGLE_APPLICATION_CREDENTIALS",
		"GOOGLE_CLOUD_PROJECT",
		"GITHUB_TOKEN",
		"GH_TOKEN",
		"COPILOT_API_KEY",
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"AWS_REGION",
		"AWS_DEFAULT_REGION",
		"AWS_PROFILE",
	}
	policy := EnvPolicy{
		AllowedExact:    map[string]bool{},
		AllowedPrefixes: []string{"LC_"},
		RedactNameHints: []string{"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH"},
	}
	for _, key := range allowed {
		policy.AllowedExact[key] = true
	}
	return policy
}

// With returns a copy of the policy that also allows the named variables.
func (p EnvPolicy) With(names ...string) EnvPolicy {
	out := EnvPolicy{
		AllowedExact:    make(map[string]bool, len(p.AllowedExact)+len(names)),
		AllowedPrefixes: p.AllowedPrefixes,
		RedactNameHints: p.RedactNameHints,
	}
	for k := range p.AllowedExact {
		out.AllowedExact[k] = true
	}
	for _, n := range names {
		if n = strings.ToUpper(strings.TrimSpace(n)); n != "" {
			out.AllowedExact[n] = true
		}
	}
	return out
}

// Filter splits KEY=VALUE entries into the allowed environment and the
// sorted names of dropped variables.
func (p EnvPolicy) Filter(environ []string) (allowed []string, dropped []string) {
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if p.isAllowed(strings.ToUpper(key)) {
			allowed = append(allowed, kv)
			continue
		}
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	return allowed, dropped
}

// Environ filters the bridge's own environment.
func (p EnvPolicy) Environ() []string {
	allowed, _ := p.Filter(os.Environ())
	return allowed
}

// RedactedNames returns the allowed variable names, masking the ones that
// look like secrets, for logging.
func (p EnvPolicy) RedactedNames(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if p.shouldRedactName(key) {
			out = append(out, key+"=[REDACTED]")
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (p EnvPolicy) isAllowed(key string) bool {
	if p.AllowedExact[key] {
		return true
	}
	for _, pref := range p.AllowedPrefixes {
		if strings.HasPrefix(key, pref) {
			return true
		}
	}
	return false
}

func (p EnvPolicy) shouldRedactName(key string) bool {
	norm := strings.ToUpper(strings.TrimSpace(key))
	for _, hint := range p.RedactNameHints {
		if strings.Contains(norm, hint) {
			return true
		}
	}
	return false
}
