// Package config implements the config store (C1): reading per-host
// connection settings from a repository's native git config, under
// `dissect "<host>"` subsections, with ssh_config and built-in defaults
// filling in anything the git config leaves unset.
package config

import (
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/talshorer/git-dissect/internal/direrr"
)

const section = "dissect"

// Store wraps a repository's parsed git config, scoped to the "dissect"
// section the fleet controller reads its settings from.
type Store struct {
	raw          *config.Config
	useSSHConfig bool
}

// Load opens the git repository at repoPath and reads its "dissect"
// config section. repoPath may be a working tree or a bare repository;
// both resolve through git.PlainOpen the same way the oracle adapter
// opens it for read operations.
func Load(repoPath string) (*Store, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, &direrr.ConfigError{Key: "repo", Err: err}
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, &direrr.ConfigError{Key: "repo", Err: err}
	}

	raw := cfg.Raw
	useSSHConfig := parseBoolean(raw.Section(section).Option("usesshconfig"), true)

	return &Store{raw: raw, useSSHConfig: useSSHConfig}, nil
}

// Hosts returns every host name with a `dissect "<host>"` subsection,
// in the order git config preserves them (declaration order).
func (s *Store) Hosts() []string {
	sec := s.raw.Section(section)
	hosts := make([]string, 0, len(sec.Subsections))
	for _, sub := range sec.Subsections {
		hosts = append(hosts, sub.Name)
	}
	return hosts
}

// Host builds a fully resolved HostConfig for name, applying the
// resolver chain: git config first, then ssh_config (if
// dissect.usesshconfig is true), then the built-in default. Path has no
// default; a host without it is a configuration error, since the round
// driver cannot run anything without knowing where the worker's
// checkout lives.
func (s *Store) Host(name string) (HostConfig, error) {
	r := resolver{store: s, host: name}

	path := r.str("path", "")
	if path == "" {
		return HostConfig{}, &direrr.ConfigError{
			Host: name, Key: "path",
			Err: ErrMissingPath,
		}
	}

	return HostConfig{
		Host:                  name,
		Path:                  path,
		User:                  r.str("user", ""),
		Hostname:              r.str("hostname", name),
		Port:                  r.int("port", 22),
		ProxyCommand:          r.str("proxycommand", ""),
		ProxyJump:             r.str("proxyjump", ""),
		StrictHostKeyChecking: r.boolean("stricthostkeychecking", true),
		Enabled:               r.boolean("enabled", true),
	}, nil
}

// HostConfig is the fully resolved configuration for one worker: where
// its checkout lives (Path), how to reach it over SSH, and whether it
// currently participates in fan-out (Enabled).
type HostConfig struct {
	Host                  string
	Path                  string
	User                  string
	Hostname              string
	Port                  int
	ProxyCommand          string
	ProxyJump             string
	StrictHostKeyChecking bool
	Enabled               bool
}

// ErrMissingPath is the sentinel a ConfigError wraps when a host's
// mandatory "path" key is unset. Callers that treat a pathless host as
// simply absent (rather than fatal) check errors.Is against it.
var ErrMissingPath = missingPathError{}

type missingPathError struct{}

func (missingPathError) Error() string {
	return `mandatory key "path" not set`
}

// resolver implements the typed _get_conf_value_* chain: git config,
// then ssh_config (when enabled), then a caller-supplied default.
type resolver struct {
	store *Store
	host  string
}

func (r resolver) gitValue(key string) (string, bool) {
	sub := r.store.raw.Section(section).Subsection(r.host)
	if !sub.HasOption(key) {
		return "", false
	}
	return sub.Option(key), true
}

// sshConfigKeys maps a dissect config key to its ssh_config(5) spelling.
var sshConfigKeys = map[string]string{
	"user":                  "User",
	"hostname":              "Hostname",
	"port":                  "Port",
	"proxycommand":          "ProxyCommand",
	"proxyjump":             "ProxyJump",
	"stricthostkeychecking": "StrictHostKeyChecking",
}

func (r resolver) str(key, def string) string {
	if v, ok := r.gitValue(key); ok {
		return v
	}
	if r.store.useSSHConfig {
		if sshKey, ok := sshConfigKeys[key]; ok {
			if v := sshConfigGet(r.host, sshKey); v != "" {
				return v
			}
		}
	}
	return def
}

func (r resolver) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (r resolver) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	return parseBoolean(v, def)
}

// parseBoolean parses a git-config-style boolean value, falling back to
// def for anything it doesn't recognize (including an empty string).
func parseBoolean(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	default:
		return def
	}
}
