package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/parity"
)

// Profile is a named deployment target, e.g. staging or prod.
type Profile struct {
	Name               string                `yaml:"name"`
	BaseURL            string                `yaml:"baseUrl"`
	TenantID           string                `yaml:"tenantId"`
	Protocol           string                `yaml:"protocol"`
	ProtocolConstraint string                `yaml:"protocolConstraint"`
	LogLevel           string                `yaml:"logLevel"`
	Timeout            time.Duration         `yaml:"timeout"`
	MaxAttempts        int                   `yaml:"maxAttempts"`
	RateLimitRPS       float64               `yaml:"rateLimitRps"`
	Retry              RetryProfile          `yaml:"retry"`
	Artifacts          artifacts.StoreConfig `yaml:"artifacts"`
	ChainStore         ChainStoreConfig      `yaml:"chainStore"`
}

// RetryProfile is the retry section of a profile. Zero delays mean no wait
// between attempts.
type RetryProfile struct {
	StatusCodes []int         `yaml:"statusCodes"`
	Codes       []string      `yaml:"codes"`
	RetryWhen   string        `yaml:"retryWhen"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	MaxJitter   time.Duration `yaml:"maxJitter"`
}

// Policy returns the retry classification part.
func (r RetryProfile) Policy() parity.RetryPolicy {
	return parity.RetryPolicy{StatusCodes: r.StatusCodes, Codes: r.Codes, RetryWhen: r.RetryWhen}
}

// Delay returns the wait between attempts, or nil when BaseDelay is unset.
func (r RetryProfile) Delay() parity.DelayFunc {
	if r.BaseDelay <= 0 {
		return nil
	}
	maxDelay := r.MaxDelay
	if maxDelay < r.BaseDelay {
		maxDelay = r.BaseDelay
	}
	return parity.ExponentialDelay(r.BaseDelay, maxDelay, r.MaxJitter)
}

// LoadProfile loads profile_<name>.yaml from dir.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("load profile: name is required")
	}
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied profile dir
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	p, err := parseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// LoadAllProfiles loads every profile_*.yaml in dir, keyed by name.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // from Glob
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := parseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Name == "" {
			base := filepath.Base(path)
			p.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func parseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.MaxAttempts < 0 {
		return nil, fmt.Errorf("maxAttempts must not be negative")
	}
	if p.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	return &p, nil
}
