package ipc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cyberred/cyberred/internal/engagement"
	"github.com/cyberred/cyberred/internal/session"
)

// SocketName and PIDName live under the storage base path.
const (
	SocketName = "daemon.sock"
	PIDName    = "daemon.pid"
)

// heartbeatInterval paces keep-alive events to attached clients. The
// heartbeat doubles as the sweep that evicts silently-dead subscriptions.
const heartbeatInterval = 30 * time.Second

// Server is the unix-socket control plane. One daemon instance per storage
// base is enforced through the PID file.
type Server struct {
	socketPath string
	pidPath    string
	manager    *session.Manager

	// OnStop initiates daemon shutdown after a daemon.stop command.
	OnStop func()
	// OnConfigReload performs the safe config re-read for SIGHUP and
	// daemon.config.reload.
	OnConfigReload func() error

	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	heartbeatCancel context.CancelFunc

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewServer builds a server rooted at the storage base path.
func NewServer(basePath string, manager *session.Manager) *Server {
	return &Server{
		socketPath: basePath + "/" + SocketName,
		pidPath:    basePath + "/" + PIDName,
		manager:    manager,
		conns:      make(map[net.Conn]struct{}),
		log:        slog.Default().With("component", "ipc"),
	}
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string { return s.socketPath }

// Start claims the PID file, removes a stale socket if its listener is
// gone, binds with 0600 permissions and begins accepting clients.
func (s *Server) Start() error {
	if err := s.claimPIDFile(); err != nil {
		return err
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		// Probe the socket: if nothing answers it is a leftover from a
		// crashed daemon and safe to remove.
		conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return fmt.Errorf("daemon already listening on %s", s.socketPath)
		}
		s.log.Warn("removing stale socket", "path", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.wg.Add(1)
	go s.heartbeatLoop(heartbeatCtx)

	s.log.Info("IPC server listening", "socket", s.socketPath)
	return nil
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC().Format(time.RFC3339Nano)
			for _, ec := range s.manager.List() {
				s.manager.BroadcastEvent(ec.ID, session.Event{
					Type:      EventHeartbeat,
					Data:      map[string]interface{}{"state": string(ec.Machine.Current())},
					Timestamp: now,
				})
			}
		}
	}
}

func (s *Server) claimPIDFile() error {
	if data, err := os.ReadFile(s.pidPath); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil && pidAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
		s.log.Warn("removing stale pid file", "path", s.pidPath)
		_ = os.Remove(s.pidPath)
	}
	return os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop closes every client connection, the listener, and removes the socket
// and PID files. Attached clients get a daemon_shutdown event first.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	shutdown, _ := EncodeStreamEvent(NewStreamEvent(EventDaemonShutdown, map[string]interface{}{}))
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = c.Write(shutdown)
		_ = c.Close()
	}

	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	_ = os.Remove(s.pidPath)
	s.log.Info("IPC server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// clientConn serializes writes: responses and relayed stream events share
// one socket.
type clientConn struct {
	conn net.Conn
	mu   sync.Mutex

	// subscriptions this client holds: subscription_id -> engagement_id.
	subs map[string]string
}

func (c *clientConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	client := &clientConn{conn: conn, subs: make(map[string]string)}

	defer func() {
		for subID, engID := range client.subs {
			s.manager.Unsubscribe(engID, subID)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := DecodeRequest(line)
		if err != nil {
			resp := Error(err.Error(), "unknown")
			data, _ := EncodeResponse(resp)
			_ = client.write(data)
			continue
		}
		resp := s.dispatch(client, req)
		data, err := EncodeResponse(resp)
		if err != nil {
			data, _ = EncodeResponse(Error(err.Error(), req.RequestID))
		}
		if err := client.write(data); err != nil {
			return
		}
		if req.Command == CmdDaemonStop && s.OnStop != nil {
			go s.OnStop()
			return
		}
	}
	if err := scanner.Err(); err != nil && err != bufio.ErrTooLong {
		s.log.Debug("client read ended", "error", err)
	} else if err == bufio.ErrTooLong {
		resp := Error((&ProtocolError{Reason: "message exceeds 10 MiB limit"}).Error(), "unknown")
		data, _ := EncodeResponse(resp)
		_ = client.write(data)
	}
}

// dispatch routes one request. Typed errors surface as status:error with a
// readable message; the connection stays open.
func (s *Server) dispatch(client *clientConn, req *Request) *Response {
	switch req.Command {
	case CmdSessionsList:
		return s.handleSessionsList(req)
	case CmdEngagementStart:
		return s.handleStart(req)
	case CmdEngagementPause:
		if err := s.manager.PauseEngagement(req.StringParam("engagement_id")); err != nil {
			return Error(err.Error(), req.RequestID)
		}
		return OK(map[string]interface{}{"state": string(engagement.StatePaused)}, req.RequestID)
	case CmdEngagementResume:
		if err := s.manager.ResumeEngagement(req.StringParam("engagement_id")); err != nil {
			return Error(err.Error(), req.RequestID)
		}
		return OK(map[string]interface{}{"state": string(engagement.StateRunning)}, req.RequestID)
	case CmdEngagementStop:
		path, err := s.manager.StopEngagement(context.Background(), req.StringParam("engagement_id"))
		if err != nil {
			return Error(err.Error(), req.RequestID)
		}
		return OK(map[string]interface{}{"state": string(engagement.StateStopped), "checkpoint_path": path}, req.RequestID)
	case CmdEngagementAttach:
		return s.handleAttach(client, req)
	case CmdEngagementDetach:
		return s.handleDetach(client, req)
	case CmdDaemonStop:
		return OK(map[string]interface{}{"stopping": true}, req.RequestID)
	case CmdDaemonConfigReload:
		if s.OnConfigReload != nil {
			if err := s.OnConfigReload(); err != nil {
				return Error(err.Error(), req.RequestID)
			}
		}
		return OK(map[string]interface{}{"reloaded": true}, req.RequestID)
	default:
		return Error(fmt.Sprintf("unknown command %q", req.Command), req.RequestID)
	}
}

func (s *Server) handleSessionsList(req *Request) *Response {
	sessions := make([]map[string]interface{}, 0)
	for _, ec := range s.manager.List() {
		sessions = append(sessions, map[string]interface{}{
			"id":            ec.ID,
			"name":          ec.Name,
			"state":         string(ec.Machine.Current()),
			"agent_count":   ec.AgentCount(),
			"finding_count": ec.FindingCount(),
		})
	}
	return OK(map[string]interface{}{"sessions": sessions}, req.RequestID)
}

func (s *Server) handleStart(req *Request) *Response {
	configPath := req.StringParam("config_path")
	ignoreWarnings := req.BoolParam("ignore_warnings")

	ec, err := s.manager.CreateEngagement(configPath)
	if err != nil {
		return Error(err.Error(), req.RequestID)
	}
	if err := s.manager.StartEngagement(context.Background(), ec.ID, ignoreWarnings); err != nil {
		return Error(err.Error(), req.RequestID)
	}
	return OK(map[string]interface{}{"id": ec.ID, "state": string(ec.Machine.Current())}, req.RequestID)
}

// handleAttach issues a subscription and returns the initial snapshot; a
// relay callback then forwards session events as stream events over the
// same connection.
func (s *Server) handleAttach(client *clientConn, req *Request) *Response {
	engagementID := req.StringParam("engagement_id")
	ec, err := s.manager.Get(engagementID)
	if err != nil {
		return Error(err.Error(), req.RequestID)
	}

	subID, err := s.manager.SubscribeToEngagement(engagementID, func(event session.Event) error {
		streamEvent := &StreamEvent{EventType: event.Type, Data: event.Data, Timestamp: event.Timestamp}
		data, err := EncodeStreamEvent(streamEvent)
		if err != nil {
			// An event the protocol cannot carry is dropped, not fatal.
			s.log.Warn("dropping unstreamable event", "type", event.Type, "error", err)
			return nil
		}
		return client.write(data)
	})
	if err != nil {
		return Error(err.Error(), req.RequestID)
	}
	client.subs[subID] = engagementID

	return OK(map[string]interface{}{
		"subscription_id": subID,
		"state":           string(ec.Machine.Current()),
		"agent_count":     ec.AgentCount(),
		"finding_count":   ec.FindingCount(),
	}, req.RequestID)
}

func (s *Server) handleDetach(client *clientConn, req *Request) *Response {
	subID := req.StringParam("subscription_id")
	engID, ok := client.subs[subID]
	if !ok {
		return Error(fmt.Sprintf("unknown subscription %q", subID), req.RequestID)
	}
	s.manager.Unsubscribe(engID, subID)
	delete(client.subs, subID)
	return OK(map[string]interface{}{"detached": true}, req.RequestID)
}
