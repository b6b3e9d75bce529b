package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberred/cyberred/internal/keystore"
)

type stubCheck struct {
	name     string
	priority Priority
	status   Status
	ran      *[]string
}

func (s *stubCheck) Name() string       { return s.name }
func (s *stubCheck) Priority() Priority { return s.priority }
func (s *stubCheck) Execute(ctx context.Context) CheckResult {
	if s.ran != nil {
		*s.ran = append(*s.ran, s.name)
	}
	return CheckResult{Name: s.name, Status: s.status, Priority: s.priority, Message: "stub"}
}

func TestRunnerOrdersP0BeforeP1(t *testing.T) {
	var ran []string
	r := NewRunner(
		&stubCheck{name: "warn1", priority: P1, status: StatusPass, ran: &ran},
		&stubCheck{name: "block1", priority: P0, status: StatusPass, ran: &ran},
		&stubCheck{name: "warn2", priority: P1, status: StatusPass, ran: &ran},
		&stubCheck{name: "block2", priority: P0, status: StatusPass, ran: &ran},
	)
	r.Run(context.Background())
	assert.Equal(t, []string{"block1", "block2", "warn1", "warn2"}, ran)
}

func TestValidateResultsGates(t *testing.T) {
	p0Fail := CheckResult{Name: "redis", Status: StatusFail, Priority: P0}
	p0Pass := CheckResult{Name: "llm", Status: StatusPass, Priority: P0}
	p1Warn := CheckResult{Name: "disk", Status: StatusWarn, Priority: P1}

	var checkErr *CheckError
	err := ValidateResults([]CheckResult{p0Fail, p1Warn}, false)
	require.ErrorAs(t, err, &checkErr)
	assert.Len(t, checkErr.Failed, 1)

	// P0 failure blocks even with ignore_warnings.
	err = ValidateResults([]CheckResult{p0Fail}, true)
	require.ErrorAs(t, err, &checkErr)

	var warnErr *WarningError
	err = ValidateResults([]CheckResult{p0Pass, p1Warn}, false)
	require.ErrorAs(t, err, &warnErr)
	assert.Len(t, warnErr.Warnings, 1)

	assert.NoError(t, ValidateResults([]CheckResult{p0Pass, p1Warn}, true))
	assert.NoError(t, ValidateResults([]CheckResult{p0Pass}, false))
}

func TestPanickingCheckBecomesFailure(t *testing.T) {
	r := NewRunner(panicCheck{})
	results := r.Run(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusFail, results[0].Status)
	assert.Contains(t, results[0].Message, "panicked")
}

type panicCheck struct{}

func (panicCheck) Name() string                            { return "boom" }
func (panicCheck) Priority() Priority                      { return P0 }
func (panicCheck) Execute(ctx context.Context) CheckResult { panic("boom") }

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	res := (&RedisCheck{Client: rdb}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)

	mr.Close()
	res = (&RedisCheck{Client: rdb}).Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
}

type stubGateway struct{ err error }

func (s stubGateway) HealthCheck(ctx context.Context) error { return s.err }

func TestLLMCheck(t *testing.T) {
	res := (&LLMCheck{Gateway: stubGateway{}}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)

	res = (&LLMCheck{Gateway: stubGateway{err: errors.New("503")}}).Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
}

func TestScopeFileCheck(t *testing.T) {
	dir := t.TempDir()

	missing := (&ScopeFileCheck{Path: filepath.Join(dir, "nope.yaml")}).Execute(context.Background())
	assert.Equal(t, StatusFail, missing.Status)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("allowed_networks: []\n"), 0o600))
	res := (&ScopeFileCheck{Path: empty}).Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "allows nothing")

	good := filepath.Join(dir, "scope.yaml")
	require.NoError(t, os.WriteFile(good, []byte("allowed_networks: [\"192.0.2.0/24\"]\n"), 0o600))
	res = (&ScopeFileCheck{Path: good}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)
}

func TestScopeFileCheckRejectsReservedOnlyScope(t *testing.T) {
	dir := t.TempDir()

	loopback := filepath.Join(dir, "loopback.yaml")
	require.NoError(t, os.WriteFile(loopback, []byte("allowed_networks: [\"127.0.0.1/32\"]\n"), 0o600))
	res := (&ScopeFileCheck{Path: loopback}).Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "reserved")

	// A mixed scope with at least one usable network passes.
	mixed := filepath.Join(dir, "mixed.yaml")
	require.NoError(t, os.WriteFile(mixed, []byte("allowed_networks: [\"127.0.0.1/32\", \"192.0.2.0/24\"]\n"), 0o600))
	res = (&ScopeFileCheck{Path: mixed}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)
}

func TestTLSCertCheck(t *testing.T) {
	disabled := (&TLSCertCheck{Enabled: false}).Execute(context.Background())
	assert.Equal(t, StatusPass, disabled.Status)

	dir := t.TempDir()
	ca := keystore.NewCAStore()

	longLeaf, err := ca.IssueLeaf("c2", nil, 30*24*time.Hour)
	require.NoError(t, err)
	longPath := filepath.Join(dir, "long.pem")
	require.NoError(t, os.WriteFile(longPath, longLeaf.CertPEM, 0o600))
	res := (&TLSCertCheck{Enabled: true, CertPath: longPath}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)

	shortLeaf, err := ca.IssueLeaf("c2", nil, time.Hour)
	require.NoError(t, err)
	shortPath := filepath.Join(dir, "short.pem")
	require.NoError(t, os.WriteFile(shortPath, shortLeaf.CertPEM, 0o600))
	res = (&TLSCertCheck{Enabled: true, CertPath: shortPath}).Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "expires")
}

func TestDiskSpaceCheck(t *testing.T) {
	res := (&DiskSpaceCheck{Path: t.TempDir()}).Execute(context.Background())
	// A test environment is assumed to have a working filesystem; the check
	// must at least classify, never fail hard.
	assert.Contains(t, []Status{StatusPass, StatusWarn}, res.Status)
	assert.Equal(t, P1, res.Priority)
}

func TestMemoryCheckParsesMeminfo(t *testing.T) {
	dir := t.TempDir()

	plenty := filepath.Join(dir, "meminfo")
	require.NoError(t, os.WriteFile(plenty, []byte("MemTotal: 16000000 kB\nMemAvailable: 8000000 kB\n"), 0o600))
	res := (&MemoryCheck{MeminfoPath: plenty}).Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)

	scarce := filepath.Join(dir, "meminfo-low")
	require.NoError(t, os.WriteFile(scarce, []byte("MemAvailable: 1024 kB\n"), 0o600))
	res = (&MemoryCheck{MeminfoPath: scarce}).Execute(context.Background())
	assert.Equal(t, StatusWarn, res.Status)
}
