// Package toolsvc is the bridge between agents and the execution plane: it
// consumes tool invocations from the bus's reliable stream, runs them
// through the scope-gated executor, distills the output, publishes the
// findings stigmergically and mirrors them to attached IPC subscribers.
package toolsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cyberred/cyberred/internal/events"
	"github.com/cyberred/cyberred/internal/killswitch"
	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/output"
	"github.com/cyberred/cyberred/internal/scope"
	"github.com/cyberred/cyberred/internal/session"
)

// RequestStream is the stream agents submit tool invocations on.
const RequestStream = "tools:requests"

// ConsumerGroup is the tool service's stream consumer group.
const ConsumerGroup = "tool-executors"

// Invocation is one agent tool request read from the stream.
type Invocation struct {
	EngagementID string `json:"engagement_id"`
	AgentID      string `json:"agent_id"`
	Tool         string `json:"tool"`
	Command      string `json:"command"`
	Target       string `json:"target"`
	TimeoutSec   int    `json:"timeout_sec"`
}

// Executor is the execution surface the service drives.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (*models.ToolResult, error)
}

// Service consumes and executes tool invocations.
type Service struct {
	bus       *events.Bus
	executor  Executor
	processor *output.Processor
	sessions  *session.Manager
	consumer  string

	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

// New wires the service. consumer names this instance within the group.
func New(bus *events.Bus, exec Executor, processor *output.Processor, sessions *session.Manager, consumer string) *Service {
	return &Service{
		bus:       bus,
		executor:  exec,
		processor: processor,
		sessions:  sessions,
		consumer:  consumer,
		log:       slog.Default().With("component", "toolsvc"),
	}
}

// Start creates the consumer group and begins the read loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.XGroupCreate(ctx, RequestStream, ConsumerGroup); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	return nil
}

// Stop terminates the read loop cooperatively.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		// Non-blocking read; pacing below keeps the loop polite.
		entries, err := s.bus.XReadGroup(ctx, RequestStream, ConsumerGroup, s.consumer, 8, -1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			// Servers without blocking reads return immediately; pace the
			// poll instead of spinning.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		for _, entry := range entries {
			s.handle(ctx, entry)
			if err := s.bus.XAck(ctx, RequestStream, ConsumerGroup, entry.ID); err != nil {
				s.log.Warn("ack failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// handle runs one invocation end to end. Tool failures are values and still
// flow through output processing; scope violations and kill-switch freezes
// are refusals published back as agent status.
func (s *Service) handle(ctx context.Context, entry events.StreamEntry) {
	var inv Invocation
	if err := json.Unmarshal(entry.Payload, &inv); err != nil {
		s.log.Warn("undecodable invocation", "entry_id", entry.ID, "error", err)
		return
	}

	timeout := time.Duration(inv.TimeoutSec) * time.Second
	result, err := s.executor.Execute(ctx, inv.Command, timeout)
	if err != nil {
		s.refuse(ctx, inv, err)
		return
	}

	processed := s.processor.Process(ctx, output.Request{
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Tool:      inv.Tool,
		ExitCode:  result.ExitCode,
		AgentID:   inv.AgentID,
		Target:    inv.Target,
		ErrorType: result.ErrorType,
	})

	for _, finding := range processed.Findings {
		if _, err := s.bus.Publish(ctx, finding.Topic, finding); err != nil {
			s.log.Warn("finding publish failed", "topic", finding.Topic, "error", err)
		}
		if ec, err := s.sessions.Get(inv.EngagementID); err == nil {
			ec.AddFinding(finding)
			data := map[string]interface{}{
				"id":       finding.ID,
				"type":     finding.Type,
				"severity": finding.Severity,
				"target":   finding.Target,
				"tool":     finding.Tool,
			}
			s.sessions.BroadcastEvent(inv.EngagementID, session.Event{
				Type:      "finding",
				Data:      data,
				Timestamp: finding.Timestamp,
			})
		}
	}

	s.log.Info("tool invocation completed",
		"tool", inv.Tool, "agent_id", inv.AgentID,
		"tier", processed.Tier, "findings", len(processed.Findings),
		"error_type", result.ErrorType, "duration_ms", result.DurationMS)
}

// refuse reports a blocked launch back to the swarm without executing.
func (s *Service) refuse(ctx context.Context, inv Invocation, cause error) {
	reason := "refused"
	switch cause.(type) {
	case *scope.ViolationError:
		reason = "scope_violation"
	case *killswitch.TriggeredError:
		reason = "kill_switch"
	}
	s.log.Warn("tool invocation refused", "tool", inv.Tool, "agent_id", inv.AgentID, "reason", reason, "error", cause)

	channel := "agents:" + inv.AgentID + ":status"
	if _, err := s.bus.Publish(ctx, channel, map[string]string{
		"agent_id": inv.AgentID,
		"status":   "refused",
		"reason":   reason,
	}); err != nil {
		s.log.Warn("refusal publish failed", "channel", channel, "error", err)
	}
}
