package preflight

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberred/cyberred/internal/scope"
)

// MinCertRemaining is the validity a C2 certificate must still have.
const MinCertRemaining = 24 * time.Hour

// MinDiskFreePercent is the free-disk floor for the storage base.
const MinDiskFreePercent = 10.0

// MinMemoryAvailableMB is the available-memory floor.
const MinMemoryAvailableMB = 256

// RedisCheck verifies connectivity to the shared data store (P0).
type RedisCheck struct {
	Client redis.UniversalClient
}

func (c *RedisCheck) Name() string       { return "redis_connectivity" }
func (c *RedisCheck) Priority() Priority { return P0 }

func (c *RedisCheck) Execute(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: fmt.Sprintf("redis unreachable: %v", err)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P0, Message: "connected"}
}

// HealthChecker is the LLM gateway surface the reachability check needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LLMCheck verifies the model gateway answers (P0).
type LLMCheck struct {
	Gateway HealthChecker
}

func (c *LLMCheck) Name() string       { return "llm_reachability" }
func (c *LLMCheck) Priority() Priority { return P0 }

func (c *LLMCheck) Execute(ctx context.Context) CheckResult {
	if err := c.Gateway.HealthCheck(ctx); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: fmt.Sprintf("LLM gateway unreachable: %v", err)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P0, Message: "reachable"}
}

// ScopeFileCheck verifies the scope file exists, parses, and yields at least
// one allowed asset (P0). An engagement without scope cannot be authorized.
type ScopeFileCheck struct {
	Path string
}

func (c *ScopeFileCheck) Name() string       { return "scope_file" }
func (c *ScopeFileCheck) Priority() Priority { return P0 }

func (c *ScopeFileCheck) Execute(ctx context.Context) CheckResult {
	cfg, err := scope.LoadConfig(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: err.Error()}
	}
	if len(cfg.AllowedNetworks) == 0 && len(cfg.AllowedHosts) == 0 {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: "scope file allows nothing"}
	}
	if len(cfg.AllowedHosts) == 0 {
		reservedOnly := true
		for _, n := range cfg.AllowedNetworks {
			if !scope.IsReservedNetwork(n) {
				reservedOnly = false
				break
			}
		}
		if reservedOnly {
			return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0,
				Message: "scope contains only reserved ranges, which are always denied"}
		}
	}
	if _, err := scope.NewValidator(cfg); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: err.Error()}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P0, Message: "scope loaded"}
}

// TLSCertCheck verifies the C2 certificate keeps at least 24h of validity
// (P0, skipped when C2 is disabled).
type TLSCertCheck struct {
	Enabled  bool
	CertPath string
}

func (c *TLSCertCheck) Name() string       { return "tls_certificate" }
func (c *TLSCertCheck) Priority() Priority { return P0 }

func (c *TLSCertCheck) Execute(ctx context.Context) CheckResult {
	if !c.Enabled {
		return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P0, Message: "C2 disabled"}
	}
	data, err := os.ReadFile(c.CertPath)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: fmt.Sprintf("read certificate: %v", err)}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: "no PEM block in certificate file"}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0, Message: fmt.Sprintf("parse certificate: %v", err)}
	}
	remaining := time.Until(cert.NotAfter)
	if remaining < MinCertRemaining {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: P0,
			Message: fmt.Sprintf("certificate expires in %s (minimum %s)", remaining.Round(time.Minute), MinCertRemaining)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P0, Message: "certificate valid"}
}

// DiskSpaceCheck warns when free space under the storage base drops below
// 10% (P1).
type DiskSpaceCheck struct {
	Path string
}

func (c *DiskSpaceCheck) Name() string       { return "disk_space" }
func (c *DiskSpaceCheck) Priority() Priority { return P1 }

func (c *DiskSpaceCheck) Execute(ctx context.Context) CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.Path, &stat); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: P1, Message: fmt.Sprintf("statfs %s: %v", c.Path, err)}
	}
	if stat.Blocks == 0 {
		return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: P1, Message: "filesystem reports zero blocks"}
	}
	freePct := float64(stat.Bavail) / float64(stat.Blocks) * 100
	if freePct < MinDiskFreePercent {
		return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: P1,
			Message: fmt.Sprintf("%.1f%% disk free, below %.0f%%", freePct, MinDiskFreePercent)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P1, Message: fmt.Sprintf("%.1f%% free", freePct)}
}

// MemoryCheck warns when available system memory is low (P1).
type MemoryCheck struct {
	// MeminfoPath is overridable for tests; defaults to /proc/meminfo.
	MeminfoPath string
}

func (c *MemoryCheck) Name() string       { return "memory_available" }
func (c *MemoryCheck) Priority() Priority { return P1 }

func (c *MemoryCheck) Execute(ctx context.Context) CheckResult {
	path := c.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}
	availableMB, err := readAvailableMemoryMB(path)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: P1, Message: err.Error()}
	}
	if availableMB < MinMemoryAvailableMB {
		return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: P1,
			Message: fmt.Sprintf("%d MB available, below %d MB", availableMB, MinMemoryAvailableMB)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: P1, Message: fmt.Sprintf("%d MB available", availableMB)}
}

func readAvailableMemoryMB(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	var kb int64
	for _, line := range splitLines(string(data)) {
		if _, err := fmt.Sscanf(line, "MemAvailable: %d kB", &kb); err == nil {
			return kb / 1024, nil
		}
	}
	return 0, fmt.Errorf("MemAvailable not found in %s", path)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
