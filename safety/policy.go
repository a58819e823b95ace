package safety

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/message"
	"go.uber.org/zap"
)

// DefaultSensitiveCommands are substrings that make a command high risk
// wherever they appear. Matching is case-insensitive.
var DefaultSensitiveCommands = []string{
	"rm ",
	"rm -",
	"rmdir",
	"del /",
	"git push --force",
	"git push -f",
	"--force",
	"chmod ",
	"chown ",
	"curl ",
	"wget ",
	"npm publish",
	"yarn publish",
	"pnpm publish",
	"cargo publish",
	"twine upload",
	"gem push",
	"docker push",
	"sudo ",
	"mkfs",
	"dd if=",
}

// Policy assigns a risk level to tool calls.
type Policy struct {
	sensitive   []string
	allowed     []*regexp.Regexp
	literals    []string
	protected   []string
	autoApprove bool
}

// NewPolicy builds the policy from the safety configuration. Allowlist
// entries that are not valid regular expressions match literally.
func NewPolicy(cfg *config.Config, logger *zap.Logger) (*Policy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	p := &Policy{autoApprove: cfg.AutoApprove()}

	for _, s := range append(append([]string(nil), DefaultSensitiveCommands...), cfg.Safety.SensitiveCommands...) {
		if s = strings.ToLower(s); s != "" {
			p.sensitive = append(p.sensitive, s)
		}
	}
	for _, pattern := range cfg.CommandAllowlist() {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands, matching literally",
				zap.String("pattern", pattern), zap.Error(err))
			p.literals = append(p.literals, pattern)
			continue
		}
		p.allowed = append(p.allowed, re)
	}
	for _, glob := range cfg.Safety.ProtectedPaths {
		if !doublestar.ValidatePattern(glob) {
			return nil, errors.New("invalid glob pattern '%s' in safety.protected_paths", glob)
		}
		p.protected = append(p.protected, glob)
	}
	return p, nil
}

// AutoApprove reports whether calls below high risk skip the approver.
func (p *Policy) AutoApprove() bool { return p.autoApprove }

// Classify returns the risk of running command while touching paths.
func (p *Policy) Classify(command string, paths []string) string {
	if p.isSensitive(command) || p.isProtected(paths) {
		return message.RiskHigh
	}
	if command != "" && p.isAllowed(command) {
		return message.RiskLow
	}
	return message.RiskMedium
}

func (p *Policy) isSensitive(command string) bool {
	if command == "" {
		return false
	}
	lower := strings.ToLower(command)
	for _, s := range p.sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (p *Policy) isAllowed(command string) bool {
	command = strings.TrimSpace(command)
	for _, re := range p.allowed {
		if re.MatchString(command) {
			return true
		}
	}
	for _, lit := range p.literals {
		if command == lit {
			return true
		}
	}
	return false
}

func (p *Policy) isProtected(paths []string) bool {
	for _, path := range paths {
		clean := filepath.ToSlash(filepath.Clean(path))
		for _, glob := range p.protected {
			if match, _ := doublestar.Match(glob, clean); match {
				return true
			}
			// Relative globs also protect the same path under any root.
			if !strings.HasPrefix(glob, "/") && !strings.HasPrefix(glob, "**") {
				if match, _ := doublestar.Match("**/"+glob, strings.TrimPrefix(clean, "/")); match {
					return true
				}
			}
		}
	}
	return false
}
