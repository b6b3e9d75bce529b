// Command cyberredd is the Cyber-Red daemon: it wires the coordination
// kernel together and serves local clients over the unix control socket
// until SIGTERM/SIGINT. SIGHUP triggers a safe config re-read.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cyberred/cyberred/internal/audit"
	"github.com/cyberred/cyberred/internal/checkpoint"
	"github.com/cyberred/cyberred/internal/config"
	"github.com/cyberred/cyberred/internal/engagement"
	"github.com/cyberred/cyberred/internal/events"
	"github.com/cyberred/cyberred/internal/executor"
	"github.com/cyberred/cyberred/internal/intel"
	"github.com/cyberred/cyberred/internal/ipc"
	"github.com/cyberred/cyberred/internal/keystore"
	"github.com/cyberred/cyberred/internal/killswitch"
	"github.com/cyberred/cyberred/internal/llm"
	"github.com/cyberred/cyberred/internal/monitoring"
	"github.com/cyberred/cyberred/internal/output"
	"github.com/cyberred/cyberred/internal/output/parsers"
	"github.com/cyberred/cyberred/internal/pool"
	"github.com/cyberred/cyberred/internal/preflight"
	"github.com/cyberred/cyberred/internal/scope"
	"github.com/cyberred/cyberred/internal/session"
	"github.com/cyberred/cyberred/internal/toolsvc"
	"github.com/cyberred/cyberred/internal/trustedtime"
)

// busPublisher adapts the event bus to the session manager's state-change
// publishing contract.
type busPublisher struct {
	bus *events.Bus
}

func (p *busPublisher) PublishStateChange(ctx context.Context, engagementID string, from, to engagement.State) {
	channel := fmt.Sprintf("engagement:%s:state", engagementID)
	if _, err := p.bus.Publish(ctx, channel, map[string]string{
		"engagement_id": engagementID,
		"from":          string(from),
		"to":            string(to),
	}); err != nil {
		slog.Warn("state change publish failed", "engagement_id", engagementID, "error", err)
	}
}

func main() {
	configPath := flag.String("config", "", "daemon config file (YAML)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(*configPath); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if err := os.MkdirAll(cfg.Storage.BasePath, 0o700); err != nil {
		return fmt.Errorf("create storage base: %w", err)
	}

	ctx := context.Background()

	// Trusted time first: everything downstream stamps with it.
	clock := trustedtime.NewClock(trustedtime.Options{
		Server:     cfg.NTP.Server,
		SyncTTL:    time.Duration(cfg.NTP.SyncTTLSec) * time.Second,
		DriftWarn:  time.Duration(cfg.NTP.DriftWarnSec * float64(time.Second)),
		DriftError: time.Duration(cfg.NTP.DriftErrorSec * float64(time.Second)),
	})
	defer clock.Stop()

	// Engagement key material.
	salt, err := keystore.GenerateSalt()
	if err != nil {
		return err
	}
	password := os.Getenv("CYBERRED_MASTER_PASSWORD")
	if password == "" {
		password = "cyberred-dev-only"
		slog.Warn("CYBERRED_MASTER_PASSWORD not set, using development key")
	}
	engagementKey, err := keystore.DeriveKey(password, salt)
	if err != nil {
		return err
	}

	// Event bus.
	busOpts := events.Options{
		EngagementID: cfg.Engagement.Name,
		Key:          engagementKey,
		Now:          clock.NowISO,
	}
	var bus *events.Bus
	if len(cfg.Redis.Sentinels) > 0 {
		bus = events.NewFailover(cfg.Redis.MasterName, cfg.Redis.Sentinels, cfg.Redis.Password, cfg.Redis.DB, busOpts)
	} else {
		bus = events.NewSingleNode(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, busOpts)
	}
	if err := bus.Connect(ctx); err != nil {
		slog.Warn("event bus offline at startup, continuing degraded", "error", err)
	}
	defer bus.Close()

	// Audit log, written by the kill switch.
	auditLog, err := audit.Open(cfg.Storage.BasePath, engagementKey, clock.NowISO)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	// Scope validator.
	scopeCfg, err := scope.LoadConfig(cfg.Scope.Path)
	if err != nil {
		return fmt.Errorf("scope is mandatory: %w", err)
	}
	scopeCfg.AllowPrivate = scopeCfg.AllowPrivate || cfg.Scope.AllowPrivate
	validator, err := scope.NewValidator(scopeCfg)
	if err != nil {
		return err
	}

	// Container pool.
	var factory pool.Factory
	if cfg.Pool.Mode == "real" {
		dockerFactory, derr := pool.NewDockerFactory(cfg.Pool.Image, "none")
		if derr != nil {
			return derr
		}
		defer dockerFactory.Close()
		factory = dockerFactory
	} else {
		factory = pool.NewMockFactory()
	}
	containerPool, err := pool.New(ctx, factory, cfg.Pool.Size)
	if err != nil {
		return err
	}
	defer containerPool.Close(ctx)

	// LLM gateway.
	provider := llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"), cfg.LLM.Model)
	gateway := llm.NewGateway([]llm.Provider{provider}, llm.Options{
		RPM:        cfg.LLM.RPM,
		Burst:      cfg.LLM.Burst,
		MaxRetries: cfg.LLM.MaxRetries,
		Timeout:    time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
	defer gateway.Close()

	// Kill switch and executor.
	kill := killswitch.New(cfg.Engagement.Name, bus, auditLog)
	exec := executor.New(containerPool, validator, kill,
		time.Duration(cfg.Pool.ExecTimeoutSec)*time.Second)

	// Output processor with built-in parsers and hot reload.
	cacheEnabled := cfg.Output.CacheEnabled == nil || *cfg.Output.CacheEnabled
	processor := output.NewProcessor(gateway, clock, output.Options{
		MaxRawLength: cfg.Output.MaxRawLength,
		LLMTimeout:   time.Duration(cfg.Output.LLMTimeoutSec) * time.Second,
		CacheEnabled: cacheEnabled,
	})
	parsers.RegisterAll(processor, clock)
	if cfg.Output.ParsersDir != "" {
		watcher := output.NewWatcher(cfg.Output.ParsersDir, processor, nil)
		if err := watcher.Start(); err != nil {
			slog.Warn("parser hot reload unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Intelligence aggregator over the shared bus and cache.
	intelCache := intel.NewCache(bus.Redis(), time.Duration(cfg.Intelligence.CacheTTLSec)*time.Second, "intel:")
	subscriber := intel.NewSubscriber(bus)
	if err := subscriber.Subscribe(ctx); err != nil {
		slog.Warn("stigmergic intelligence unavailable", "error", err)
	}
	defer subscriber.Close()
	aggregator := intel.NewAggregator(defaultIntelSources(), intel.Options{
		Cache:         intelCache,
		Subscriber:    subscriber,
		Publisher:     intel.NewPublisher(bus),
		SourceTimeout: time.Duration(cfg.Intelligence.SourceTimeoutSec) * time.Second,
	})

	// Agents resolve intelligence over the bus: a query names its reply
	// channel, the aggregator answers there.
	intelSub, err := bus.Subscribe(ctx, "intel:queries", func(channel string, payload json.RawMessage) {
		var q struct {
			Service      string `json:"service"`
			Version      string `json:"version"`
			ReplyChannel string `json:"reply_channel"`
		}
		if err := json.Unmarshal(payload, &q); err != nil || q.ReplyChannel == "" {
			return
		}
		results := aggregator.Query(context.Background(), q.Service, q.Version)
		if _, err := bus.Publish(context.Background(), q.ReplyChannel, map[string]interface{}{
			"service": q.Service,
			"version": q.Version,
			"results": results,
		}); err != nil {
			slog.Warn("intel reply publish failed", "channel", q.ReplyChannel, "error", err)
		}
	})
	if err != nil {
		slog.Warn("intel query channel unavailable", "error", err)
	} else {
		defer intelSub.Close()
	}

	// Checkpoints, pre-flight and the session manager.
	store := checkpoint.NewStore(cfg.Storage.BasePath)
	runner := preflight.NewRunner(
		&preflight.RedisCheck{Client: bus.Redis()},
		&preflight.LLMCheck{Gateway: gateway},
		&preflight.ScopeFileCheck{Path: cfg.Scope.Path},
		&preflight.TLSCertCheck{Enabled: cfg.C2.Enabled, CertPath: cfg.C2.CertPath},
		&preflight.DiskSpaceCheck{Path: cfg.Storage.BasePath},
		&preflight.MemoryCheck{},
	)
	manager := session.NewManager(session.Options{
		MaxEngagements: cfg.Engagement.MaxEngagements,
		Publisher:      &busPublisher{bus: bus},
		Preflight:      runner,
		Checkpoints:    store,
	})

	// Tool service: consumes agent invocations from the reliable stream and
	// feeds findings back through the bus and attached clients.
	hostname, _ := os.Hostname()
	tools := toolsvc.New(bus, exec, processor, manager, hostname)
	if err := tools.Start(ctx); err != nil {
		slog.Warn("tool service unavailable", "error", err)
	} else {
		defer tools.Stop()
	}

	// Metrics endpoint.
	if cfg.Monitoring.Enabled {
		_, registry := monitoring.NewMetrics()
		metricsSrv := monitoring.NewServer(cfg.Monitoring.Listen, registry, func() bool {
			return bus.State() == events.StateConnected
		})
		metricsSrv.Start()
		defer metricsSrv.Stop(ctx)
	}

	// IPC control plane.
	server := ipc.NewServer(cfg.Storage.BasePath, manager)
	stopCh := make(chan struct{})
	server.OnStop = func() { close(stopCh) }
	server.OnConfigReload = func() error {
		if configPath == "" {
			return nil
		}
		reloaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = reloaded
		slog.Info("configuration reloaded", "path", configPath)
		return nil
	}
	if err := server.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	slog.Info("cyberredd ready", "socket", server.SocketPath())

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := server.OnConfigReload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig.String())
			server.Stop()
			return nil
		case <-stopCh:
			slog.Info("shutting down", "signal", "daemon.stop")
			server.Stop()
			return nil
		}
	}
}

// defaultIntelSources wires the shipped sources. The HTTP sources share one
// client; the local-index sources use the standard kali paths.
func defaultIntelSources() []intel.Source {
	httpClient := intel.NewHTTPClient(10 * time.Second)
	return []intel.Source{
		intel.NewKEVSource(httpClient),
		intel.NewNVDSource(httpClient, os.Getenv("NVD_API_KEY")),
		&intel.MetasploitSource{IndexPath: "/usr/share/cyberred/msf-index.json"},
		&intel.NucleiSource{IndexPath: "/usr/share/cyberred/nuclei-index.json"},
		&intel.ExploitDBSource{CSVPath: "/usr/share/exploitdb/files_exploits.csv"},
	}
}
