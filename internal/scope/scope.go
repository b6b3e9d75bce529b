// Package scope implements the fail-closed authorization gate consulted
// before every tool invocation.
//
// Rule order: reserved IPv4 ranges are always denied regardless of
// configuration; private ranges are denied unless explicitly allowed; the
// target must be a member of at least one configured network or hostname;
// command strings containing shell metacharacters are rejected on the raw
// string before any tokenization. Any internal error produces DENY.
package scope

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ViolationError reports a denied target or command together with the rule
// that produced the denial. It always propagates to the caller; scope
// decisions are never coerced into result values.
type ViolationError struct {
	Target  string
	Command string
	Rule    string
}

func (e *ViolationError) Error() string {
	if e.Command != "" && e.Target == "" {
		return fmt.Sprintf("scope violation: command denied by rule %q", e.Rule)
	}
	return fmt.Sprintf("scope violation: target %q denied by rule %q", e.Target, e.Rule)
}

// Reserved IPv4 ranges that are denied unconditionally.
var reservedNetworks = mustParseCIDRs(
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local
	"224.0.0.0/4",        // multicast
	"255.255.255.255/32", // broadcast
)

// Private ranges denied unless allow_private is set.
var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

// Shell metacharacters enabling chaining or substitution.
var commandMetachars = []string{";", "|", "&", "$(", "`", "\n"}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Config is the normalized scope configuration shape. Both the YAML loader
// and programmatic construction produce this.
type Config struct {
	AllowedNetworks []string `yaml:"allowed_networks"`
	AllowedHosts    []string `yaml:"allowed_hosts"`
	AllowPrivate    bool     `yaml:"allow_private"`
}

// scopeFile mirrors the on-disk scope.yaml document.
type scopeFile struct {
	Scope Config `yaml:"scope"`
}

// LoadConfig reads and normalizes a scope YAML file. Accepts both the
// top-level `scope:` wrapper and a bare document.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}
	var wrapped scopeFile
	if err := yaml.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("parse scope file: %w", err)
	}
	cfg := wrapped.Scope
	if len(cfg.AllowedNetworks) == 0 && len(cfg.AllowedHosts) == 0 {
		var bare Config
		if err := yaml.Unmarshal(raw, &bare); err != nil {
			return nil, fmt.Errorf("parse scope file: %w", err)
		}
		cfg = bare
	}
	return &cfg, nil
}

// IsReservedNetwork reports whether a configured network (CIDR or bare
// address) falls entirely inside the always-denied reserved ranges. A scope
// made only of such networks can never authorize anything.
func IsReservedNetwork(entry string) bool {
	_, n, err := net.ParseCIDR(entry)
	if err != nil {
		ip := net.ParseIP(entry)
		if ip == nil {
			return false
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}
	ones, _ := n.Mask.Size()
	for _, reserved := range reservedNetworks {
		reservedOnes, _ := reserved.Mask.Size()
		if reserved.Contains(n.IP) && ones >= reservedOnes {
			return true
		}
	}
	return false
}

// Validator decides allow/deny for targets and commands.
type Validator struct {
	allowedNets  []*net.IPNet
	allowedHosts map[string]bool
	allowPrivate bool
	log          *slog.Logger
}

// NewValidator builds a validator from a normalized config. Malformed
// configured CIDRs are rejected here rather than silently skipped: a scope
// that cannot be parsed must not be enforced partially.
func NewValidator(cfg *Config) (*Validator, error) {
	v := &Validator{
		allowedHosts: make(map[string]bool, len(cfg.AllowedHosts)),
		allowPrivate: cfg.AllowPrivate,
		log:          slog.Default().With("component", "scope"),
	}
	for _, c := range cfg.AllowedNetworks {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			// Single-address entries without a mask are accepted as /32.
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowed network %q: %w", c, err)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		v.allowedNets = append(v.allowedNets, n)
	}
	for _, h := range cfg.AllowedHosts {
		v.allowedHosts[strings.ToLower(h)] = true
	}
	return v, nil
}

// Validate checks a target and/or command. Either may be empty; a nil return
// means allow. Fail-closed: a panic anywhere inside the decision produces a
// denial, never an allow.
func (v *Validator) Validate(target, command string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ViolationError{Target: target, Command: command, Rule: "internal_error"}
			v.logDecision(target, command, "DENY", "internal_error")
		}
	}()

	if target != "" {
		if rule := v.targetRule(target); rule != "" {
			v.logDecision(target, command, "DENY", rule)
			return &ViolationError{Target: target, Command: command, Rule: rule}
		}
	}

	// Command injection check runs on the raw string, before any tokenization.
	if command != "" {
		if rule := commandInjectionRule(command); rule != "" {
			v.logDecision(target, command, "DENY", rule)
			return &ViolationError{Target: target, Command: command, Rule: rule}
		}
	}

	v.logDecision(target, command, "ALLOW", "")
	return nil
}

// ValidateTarget checks only a target.
func (v *Validator) ValidateTarget(target string) error {
	return v.Validate(target, "")
}

// ValidateCommand checks only a command string.
func (v *Validator) ValidateCommand(command string) error {
	return v.Validate("", command)
}

func commandInjectionRule(command string) string {
	for _, m := range commandMetachars {
		if strings.Contains(command, m) {
			return "command_injection"
		}
	}
	return ""
}

// targetRule returns the name of the rule denying the target, or "" to allow.
func (v *Validator) targetRule(target string) string {
	ip := net.ParseIP(target)
	if ip != nil {
		for _, n := range reservedNetworks {
			if n.Contains(ip) {
				return "reserved_range"
			}
		}
		if !v.allowPrivate {
			for _, n := range privateNetworks {
				if n.Contains(ip) {
					return "private_range"
				}
			}
		}
		for _, n := range v.allowedNets {
			if n.Contains(ip) {
				return ""
			}
		}
		return "not_in_scope"
	}

	// Hostname target: exact membership in the allow list.
	if v.allowedHosts[strings.ToLower(target)] {
		return ""
	}
	return "not_in_scope"
}

func (v *Validator) logDecision(target, command, decision, rule string) {
	cmd := command
	if len(cmd) > 50 {
		cmd = cmd[:50]
	}
	if decision == "ALLOW" {
		v.log.Debug("scope decision", "target", target, "command", cmd, "decision", decision)
		return
	}
	v.log.Warn("scope decision", "target", target, "command", cmd, "decision", decision, "rule", rule)
}
