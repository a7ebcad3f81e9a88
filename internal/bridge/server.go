package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/daemon"
	"github.com/tabwarden/tabwarden/internal/domain"
)

// Config holds the bridge server settings.
type Config struct {
	SocketPath   string
	WriteTimeout time.Duration
	ReplyTimeout time.Duration
	MaxFrameSize int
}

// DefaultConfig returns the production bridge configuration for the
// given socket path.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:   socketPath,
		WriteTimeout: 2 * time.Second,
		ReplyTimeout: 5 * time.Second,
		MaxFrameSize: 256 * 1024,
	}
}

// Submitter feeds events into the coordinator loop.
type Submitter interface {
	Submit(e daemon.Event)
}

// peer is one accepted connection. Writes are serialized per peer.
type peer struct {
	id   string
	role string
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder
}

// Server accepts agent and surface connections on a unix socket. It is
// the daemon's SessionMessenger and Broadcaster.
type Server struct {
	cfg    Config
	submit Submitter
	logger *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	agents   map[string]*peer
	surfaces map[string]*peer
	tabOwner map[int]string // agent peer id per known tab
	ready    map[int]bool   // tabs with a receiver loaded in the page
}

var (
	_ domain.SessionMessenger = (*Server)(nil)
	_ daemon.Broadcaster      = (*Server)(nil)
)

// NewServer creates a bridge server. The submitter may be nil at
// construction and set later, before Start; the server and the
// coordinator reference each other.
func NewServer(cfg Config, submit Submitter, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		submit:   submit,
		logger:   logger,
		agents:   make(map[string]*peer),
		surfaces: make(map[string]*peer),
		tabOwner: make(map[int]string),
		ready:    make(map[int]bool),
	}
}

// SetSubmitter wires the event sink. Must be called before Start when
// the server was created without one.
func (s *Server) SetSubmitter(submit Submitter) {
	s.submit = submit
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	// A previous run's socket file refuses the bind; a live daemon is
	// detected earlier by the bootstrap pidfile check.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.logger.Info("bridge listening", zap.String("socket", s.cfg.SocketPath))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all peers and waits for their readers.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, p := range s.agents {
		p.conn.Close()
	}
	for _, p := range s.surfaces {
		p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		enc:  json.NewEncoder(conn),
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), s.cfg.MaxFrameSize)

	// The first frame must be a hello declaring the peer role.
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReplyTimeout))
	if !scanner.Scan() {
		conn.Close()
		return
	}
	var hello Frame
	if err := json.Unmarshal(scanner.Bytes(), &hello); err != nil ||
		hello.Type != TypeHello || (hello.Role != RoleAgent && hello.Role != RoleSurface) {
		s.write(p, Frame{Type: TypeError, Error: "expected hello frame"})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	p.role = hello.Role
	s.register(p)
	s.logger.Info("peer connected",
		zap.String("id", p.id), zap.String("role", p.role))

	defer s.unregister(p)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			s.write(p, Frame{Type: TypeError, Error: "malformed frame"})
			continue
		}
		if p.role == RoleAgent {
			s.handleAgentFrame(p, f)
		} else {
			s.handleSurfaceFrame(p, f)
		}
	}
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	if p.role == RoleAgent {
		s.agents[p.id] = p
	} else {
		s.surfaces[p.id] = p
	}
	s.mu.Unlock()

	if p.role == RoleSurface {
		s.submit.Submit(daemon.SurfaceConnected{ID: p.id})
	}
}

func (s *Server) unregister(p *peer) {
	p.conn.Close()

	s.mu.Lock()
	var orphaned []int
	if p.role == RoleAgent {
		delete(s.agents, p.id)
		for tabID, owner := range s.tabOwner {
			if owner == p.id {
				orphaned = append(orphaned, tabID)
				delete(s.tabOwner, tabID)
				delete(s.ready, tabID)
			}
		}
	} else {
		delete(s.surfaces, p.id)
	}
	s.mu.Unlock()

	// An agent going away takes its tabs with it.
	for _, tabID := range orphaned {
		s.submit.Submit(daemon.TabRemoved{TabID: tabID})
	}
	if p.role == RoleSurface {
		s.submit.Submit(daemon.SurfaceDisconnected{ID: p.id})
	}
	s.logger.Info("peer disconnected",
		zap.String("id", p.id), zap.String("role", p.role))
}

func (s *Server) handleAgentFrame(p *peer, f Frame) {
	switch f.Type {
	case TypeTabActivated:
		s.submit.Submit(daemon.TabActivated{TabID: f.TabID})

	case TypeTabUpdated:
		s.mu.Lock()
		s.tabOwner[f.TabID] = p.id
		// A page load replaces the document; any receiver is gone
		// until the agent reports it ready again.
		s.ready[f.TabID] = false
		s.mu.Unlock()
		s.submit.Submit(daemon.TabUpdated{
			TabID: f.TabID, URL: f.URL, Pid: f.Pid, Complete: f.Complete,
		})

	case TypeTabRemoved:
		s.mu.Lock()
		delete(s.tabOwner, f.TabID)
		delete(s.ready, f.TabID)
		s.mu.Unlock()
		s.submit.Submit(daemon.TabRemoved{TabID: f.TabID})

	case TypeReceiverReady:
		s.mu.Lock()
		s.tabOwner[f.TabID] = p.id
		s.ready[f.TabID] = true
		s.mu.Unlock()

	case TypeFocus:
		s.submit.Submit(daemon.WindowFocusChanged{Focused: f.Focused})

	case TypeActivity:
		s.submit.Submit(daemon.ActivityPing{})

	case TypeIdle:
		s.submit.Submit(daemon.IdlePing{ScreenLocked: f.ScreenLocked})

	default:
		s.write(p, Frame{Type: TypeError, Error: "unknown frame type: " + f.Type})
	}
}

func (s *Server) handleSurfaceFrame(p *peer, f Frame) {
	switch f.Type {
	case TypeStatus:
		reply := make(chan domain.Snapshot, 1)
		s.submit.Submit(daemon.GetStatus{Reply: reply})
		s.replySnapshot(p, reply)

	case TypeTogglePause:
		reply := make(chan domain.Snapshot, 1)
		s.submit.Submit(daemon.TogglePause{Reply: reply})
		s.replySnapshot(p, reply)

	case TypeManualReset:
		reply := make(chan domain.Snapshot, 1)
		s.submit.Submit(daemon.ManualReset{Reply: reply})
		s.replySnapshot(p, reply)

	case TypeSnooze:
		reply := make(chan domain.SnoozeResult, 1)
		s.submit.Submit(daemon.SnoozeRequest{Reply: reply})
		select {
		case r := <-reply:
			s.write(p, Frame{Type: TypeReply, Snooze: &r, OK: boolp(r.Granted)})
		case <-time.After(s.cfg.ReplyTimeout):
			s.write(p, Frame{Type: TypeError, Error: "timed out"})
		}

	case TypeBypass:
		reply := make(chan bool, 1)
		s.submit.Submit(daemon.BypassRequest{Passcode: f.Passcode, Reply: reply})
		select {
		case ok := <-reply:
			s.write(p, Frame{Type: TypeReply, OK: boolp(ok)})
		case <-time.After(s.cfg.ReplyTimeout):
			s.write(p, Frame{Type: TypeError, Error: "timed out"})
		}

	case TypeSetPasscode:
		reply := make(chan error, 1)
		s.submit.Submit(daemon.SetPasscode{Value: f.Value, Reply: reply})
		select {
		case err := <-reply:
			if err != nil {
				s.write(p, Frame{Type: TypeError, Error: err.Error()})
			} else {
				s.write(p, Frame{Type: TypeReply, OK: boolp(true)})
			}
		case <-time.After(s.cfg.ReplyTimeout):
			s.write(p, Frame{Type: TypeError, Error: "timed out"})
		}

	case TypeUpdateSettings:
		if f.Patch == nil {
			s.write(p, Frame{Type: TypeError, Error: "missing patch"})
			return
		}
		reply := make(chan daemon.UpdateResult, 1)
		s.submit.Submit(daemon.UpdateSettings{Patch: *f.Patch, Reply: reply})
		select {
		case r := <-reply:
			if r.Err != nil {
				s.write(p, Frame{Type: TypeError, Error: r.Err.Error()})
			} else {
				s.write(p, Frame{Type: TypeReply, OK: boolp(true), Settings: &r.Settings})
			}
		case <-time.After(s.cfg.ReplyTimeout):
			s.write(p, Frame{Type: TypeError, Error: "timed out"})
		}

	default:
		s.write(p, Frame{Type: TypeError, Error: "unknown frame type: " + f.Type})
	}
}

func (s *Server) replySnapshot(p *peer, reply chan domain.Snapshot) {
	select {
	case snap := <-reply:
		s.write(p, Frame{Type: TypeReply, Snapshot: &snap})
	case <-time.After(s.cfg.ReplyTimeout):
		s.write(p, Frame{Type: TypeError, Error: "timed out"})
	}
}

// Send delivers a directive to the tab's page receiver. Without a loaded
// receiver (or any agent at all) it reports ErrNoReceiver so the caller
// can inject and retry.
func (s *Server) Send(ctx context.Context, tabID int, d domain.Directive) error {
	p, ok := s.agentFor(tabID)
	if !ok {
		return domain.ErrNoReceiver
	}
	s.mu.Lock()
	ready := s.ready[tabID]
	s.mu.Unlock()
	if !ready {
		return domain.ErrNoReceiver
	}
	return s.write(p, Frame{Type: TypeDirective, TabID: tabID, Directive: &d})
}

// Inject asks the agent to load the page receiver into the tab.
func (s *Server) Inject(ctx context.Context, tabID int) error {
	p, ok := s.agentFor(tabID)
	if !ok {
		return domain.ErrNoReceiver
	}
	return s.write(p, Frame{Type: TypeInject, TabID: tabID})
}

// CloseSession asks the agent to close the tab outright.
func (s *Server) CloseSession(ctx context.Context, tabID int) error {
	p, ok := s.agentFor(tabID)
	if !ok {
		return domain.ErrNoReceiver
	}
	return s.write(p, Frame{Type: TypeCloseTab, TabID: tabID})
}

// Broadcast pushes a status frame to every connected surface.
func (s *Server) Broadcast(snap domain.Snapshot) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.surfaces))
	for _, p := range s.surfaces {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := s.write(p, Frame{Type: TypeSnapshot, Snapshot: &snap}); err != nil {
			// The reader's scanner sees the close and unregisters.
			p.conn.Close()
		}
	}
}

func (s *Server) agentFor(tabID int) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tabOwner[tabID]; ok {
		if p, ok := s.agents[id]; ok {
			return p, true
		}
	}
	// Unknown tab: any connected agent can take the request.
	for _, p := range s.agents {
		return p, true
	}
	return nil, false
}

func (s *Server) write(p *peer, f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return p.enc.Encode(f)
}
