// Package governance enforces the declarative policy document over the
// proposal queue: path allow/deny globs on submit, reviewer capability
// checks, N-of-M approval with deny-wins semantics, and lazy TTL expiry.
package governance

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/driftgate/driftgate/pkg/models"
)

// LoadPolicy parses and validates a governance policy YAML document.
func LoadPolicy(filePath string) (*models.GovernancePolicy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", filePath, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a governance policy from YAML bytes and validates it.
func ParsePolicy(data []byte) (*models.GovernancePolicy, error) {
	var policy models.GovernancePolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, models.Validationf("parse policy: %v", err)
	}
	if err := validator.New().Struct(policy); err != nil {
		return nil, models.Validationf("policy document: %v", err)
	}
	for kind := range policy.ChangeKinds {
		if !kind.Valid() {
			return nil, models.Validationf("policy declares unknown change kind %q", kind)
		}
	}
	for _, a := range policy.Approvers {
		for _, tier := range a.RiskLevels {
			if !tier.Valid() {
				return nil, models.Validationf("approver %s declares unknown risk level %q", a.ID, tier)
			}
		}
	}
	return &policy, nil
}

// ── Glob Matching ────────────────────────────────────────────

// matchGlob matches a target path against one pattern. Patterns use
// path.Match syntax per segment, plus a trailing "/**" that matches any
// nested path under the prefix, and the bare "**" that matches everything.
func matchGlob(pattern, target string) bool {
	if pattern == "**" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return target == prefix || strings.HasPrefix(target, prefix+"/")
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

func matchAny(patterns []string, target string) bool {
	for _, p := range patterns {
		if matchGlob(p, target) {
			return true
		}
	}
	return false
}

// checkPath applies a change-kind rule's path globs to a target path.
// Denied globs always win; a path matching no allowed glob is denied.
func checkPath(rule models.ChangeKindRule, target string) error {
	if matchAny(rule.DeniedPaths, target) {
		return models.Deniedf("path %s matches a denied glob", target)
	}
	if !matchAny(rule.AllowedPaths, target) {
		return models.Deniedf("path %s matches no allowed glob", target)
	}
	return nil
}

// coversDomain reports whether an approver's domain globs cover a target.
func coversDomain(a models.Approver, target string) bool {
	return matchAny(a.Domains, target)
}

// coversRisk reports whether an approver may review the given tier.
func coversRisk(a models.Approver, tier models.RiskTier) bool {
	for _, t := range a.RiskLevels {
		if t == tier {
			return true
		}
	}
	return false
}

// ── Policy Provider (hot reload) ─────────────────────────────

// PolicyProvider holds the current parsed policy and swaps it atomically
// when the backing file changes. Readers always see a complete document.
type PolicyProvider struct {
	path string

	mu     sync.RWMutex
	policy *models.GovernancePolicy
}

// NewPolicyProvider loads the policy file and returns a provider for it.
func NewPolicyProvider(filePath string) (*PolicyProvider, error) {
	policy, err := LoadPolicy(filePath)
	if err != nil {
		return nil, err
	}
	return &PolicyProvider{path: filePath, policy: policy}, nil
}

// StaticPolicy wraps an already-parsed policy; used by tests and one-shot
// CLI invocations where no file watching is wanted.
func StaticPolicy(policy *models.GovernancePolicy) *PolicyProvider {
	return &PolicyProvider{policy: policy}
}

// Current returns the active policy document.
func (p *PolicyProvider) Current() *models.GovernancePolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Reload re-reads the backing file. A document that fails to parse or
// validate leaves the previous policy in force.
func (p *PolicyProvider) Reload() error {
	policy, err := LoadPolicy(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
	log.Info().Str("path", p.path).
		Int("change_kinds", len(policy.ChangeKinds)).
		Int("approvers", len(policy.Approvers)).
		Msg("Governance policy reloaded")
	return nil
}

// Watch hot-reloads the policy whenever the file is rewritten. Blocks
// until ctx is cancelled; callers run it in a goroutine.
func (p *PolicyProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config pushers often
	// replace the file via rename, which drops a file-level watch.
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(p.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				log.Error().Err(err).Str("path", p.path).
					Msg("Policy reload failed, previous policy stays in force")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
