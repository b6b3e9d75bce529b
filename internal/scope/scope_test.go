package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator(t *testing.T, cfg *Config) *Validator {
	t.Helper()
	v, err := NewValidator(cfg)
	require.NoError(t, err)
	return v
}

func TestReservedRangesAlwaysDenied(t *testing.T) {
	// Even a scope that explicitly lists the loopback network cannot allow it.
	v := testValidator(t, &Config{
		AllowedNetworks: []string{"127.0.0.0/8", "169.254.0.0/16", "224.0.0.0/4", "255.255.255.255/32"},
		AllowPrivate:    true,
	})

	for _, target := range []string{"127.0.0.1", "169.254.0.1", "224.0.0.1", "255.255.255.255"} {
		err := v.ValidateTarget(target)
		require.Error(t, err, target)
		var viol *ViolationError
		require.ErrorAs(t, err, &viol)
		assert.Equal(t, "reserved_range", viol.Rule, target)
	}
}

func TestPrivateRangesGatedByAllowPrivate(t *testing.T) {
	denied := testValidator(t, &Config{AllowedNetworks: []string{"10.0.0.0/8"}})
	err := denied.ValidateTarget("10.1.2.3")
	var viol *ViolationError
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, "private_range", viol.Rule)

	allowed := testValidator(t, &Config{AllowedNetworks: []string{"10.0.0.0/8"}, AllowPrivate: true})
	assert.NoError(t, allowed.ValidateTarget("10.1.2.3"))
}

func TestTargetMustBeInScope(t *testing.T) {
	v := testValidator(t, &Config{AllowedNetworks: []string{"192.0.2.0/24"}})
	assert.NoError(t, v.ValidateTarget("192.0.2.10"))

	err := v.ValidateTarget("198.51.100.7")
	var viol *ViolationError
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, "not_in_scope", viol.Rule)
}

func TestHostnameAllowList(t *testing.T) {
	v := testValidator(t, &Config{AllowedHosts: []string{"scanme.example.com"}})
	assert.NoError(t, v.ValidateTarget("SCANME.example.com"))
	assert.Error(t, v.ValidateTarget("other.example.com"))
}

func TestCommandInjectionDeniedEvenInScope(t *testing.T) {
	v := testValidator(t, &Config{AllowedNetworks: []string{"192.0.2.0/24"}})

	for _, cmd := range []string{
		"nmap 192.0.2.10; rm -rf /",
		"nmap 192.0.2.10 | tee out",
		"nmap 192.0.2.10 & whoami",
		"echo $(id)",
		"echo `id`",
		"nmap 192.0.2.10\nwhoami",
	} {
		err := v.Validate("192.0.2.10", cmd)
		require.Error(t, err, cmd)
		var viol *ViolationError
		require.ErrorAs(t, err, &viol)
		assert.Equal(t, "command_injection", viol.Rule, cmd)
	}

	assert.NoError(t, v.Validate("192.0.2.10", "nmap -sV -p1-1024 192.0.2.10"))
}

func TestSingleAddressNetworkEntry(t *testing.T) {
	v := testValidator(t, &Config{AllowedNetworks: []string{"192.0.2.10"}})
	assert.NoError(t, v.ValidateTarget("192.0.2.10"))
	assert.Error(t, v.ValidateTarget("192.0.2.11"))
}

func TestInvalidConfiguredNetworkRejected(t *testing.T) {
	_, err := NewValidator(&Config{AllowedNetworks: []string{"not-a-network/99"}})
	assert.Error(t, err)
}

func TestIsReservedNetwork(t *testing.T) {
	assert.True(t, IsReservedNetwork("127.0.0.1/32"))
	assert.True(t, IsReservedNetwork("127.0.0.0/8"))
	assert.True(t, IsReservedNetwork("169.254.10.0/24"))
	assert.True(t, IsReservedNetwork("224.0.0.1"))
	assert.False(t, IsReservedNetwork("192.0.2.0/24"))
	assert.False(t, IsReservedNetwork("10.0.0.0/8"))
	assert.False(t, IsReservedNetwork("0.0.0.0/0"))
	assert.False(t, IsReservedNetwork("garbage"))
}

func TestLoadConfigWrappedAndBare(t *testing.T) {
	dir := t.TempDir()

	wrapped := filepath.Join(dir, "scope.yaml")
	require.NoError(t, os.WriteFile(wrapped, []byte("scope:\n  allowed_networks: [\"192.0.2.0/24\"]\n  allow_private: false\n"), 0o600))
	cfg, err := LoadConfig(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.0/24"}, cfg.AllowedNetworks)

	bare := filepath.Join(dir, "bare.yaml")
	require.NoError(t, os.WriteFile(bare, []byte("allowed_networks: [\"198.51.100.0/24\"]\nallowed_hosts: [\"a.example.com\"]\n"), 0o600))
	cfg, err = LoadConfig(bare)
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.0/24"}, cfg.AllowedNetworks)
	assert.Equal(t, []string{"a.example.com"}, cfg.AllowedHosts)
}
