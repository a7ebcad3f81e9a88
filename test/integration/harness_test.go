//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/bridge"
	"github.com/tabwarden/tabwarden/internal/daemon"
	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/infra"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
)

// harness runs the full daemon stack (encrypted store, coordinator,
// bridge socket) against a mock clock, with a scripted browser agent
// and a surface client talking over the real socket.
type harness struct {
	dataDir    string
	socketPath string
	mock       *bclock.Mock

	backend *infra.SQLiteKV
	store   *store.Store
	server  *bridge.Server
	co      *daemon.Coordinator

	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(dataDir string) *harness {
	mock := bclock.NewMock()
	mock.Set(time.Date(2024, 6, 10, 9, 0, 0, 0, time.Local))
	h := &harness{
		dataDir:    dataDir,
		socketPath: filepath.Join(dataDir, "bridge.sock"),
		mock:       mock,
	}
	h.boot()
	return h
}

// boot wires the stack the same way the daemon command does.
func (h *harness) boot() {
	logger := zap.NewNop()

	keyProvider := infra.NewFileKeyProvider(h.dataDir)
	key, err := infra.EnsureKey(keyProvider)
	Expect(err).NotTo(HaveOccurred())

	h.backend, err = infra.NewSQLiteKV(h.dataDir, key)
	Expect(err).NotTo(HaveOccurred())

	h.store = store.New(h.backend, h.mock, logger)
	re := rules.NewEngine([]string{"example.com", "www.example.com"})

	h.server = bridge.NewServer(bridge.DefaultConfig(h.socketPath), nil, logger)
	h.co = daemon.New(daemon.DefaultConfig(), h.store, re, h.server,
		infra.NewProcessManager(), nil, h.server, h.mock, logger)
	h.server.SetSubmitter(h.co)

	Expect(h.server.Start()).To(Succeed())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.co.Run(ctx)
	}()

	// Prove the loop is up before any test advances the clock.
	h.status()
}

// shutdown stops the stack; state stays on disk for a later boot.
func (h *harness) shutdown() {
	h.cancel()
	Eventually(h.done, 5*time.Second).Should(BeClosed())
	h.server.Stop()
	h.store.Close()
}

// restart simulates a daemon restart on the same data directory.
func (h *harness) restart() {
	h.shutdown()
	h.boot()
}

func (h *harness) surface() *bridge.Client {
	c, err := bridge.Dial(h.socketPath)
	Expect(err).NotTo(HaveOccurred())
	return c
}

func (h *harness) status() domain.Snapshot {
	c := h.surface()
	defer c.Close()
	reply, err := c.Request(bridge.Frame{Type: bridge.TypeStatus})
	Expect(err).NotTo(HaveOccurred())
	Expect(reply.Snapshot).NotTo(BeNil())
	return *reply.Snapshot
}

func (h *harness) updateSettings(patch daemon.SettingsPatch) {
	c := h.surface()
	defer c.Close()
	_, err := c.Request(bridge.Frame{Type: bridge.TypeUpdateSettings, Patch: &patch})
	Expect(err).NotTo(HaveOccurred())
}

// advance moves the mock clock and waits for the loop to drain.
func (h *harness) advance(d time.Duration) {
	h.mock.Add(d)
	h.status()
}

// fakeAgent is a scripted browser agent. It answers inject requests
// with receiver_ready, the way the real extension loads its content
// script on demand.
type fakeAgent struct {
	conn net.Conn
	enc  *json.Encoder

	mu     sync.Mutex
	frames []bridge.Frame
}

func newFakeAgent(socketPath string) *fakeAgent {
	conn, err := net.Dial("unix", socketPath)
	Expect(err).NotTo(HaveOccurred())

	a := &fakeAgent{conn: conn, enc: json.NewEncoder(conn)}
	Expect(a.enc.Encode(bridge.Frame{Type: bridge.TypeHello, Role: bridge.RoleAgent})).To(Succeed())

	go a.readLoop()
	return a
}

func (a *fakeAgent) readLoop() {
	scanner := bufio.NewScanner(a.conn)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		var f bridge.Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		a.mu.Lock()
		a.frames = append(a.frames, f)
		a.mu.Unlock()

		if f.Type == bridge.TypeInject {
			a.send(bridge.Frame{Type: bridge.TypeReceiverReady, TabID: f.TabID})
		}
	}
}

func (a *fakeAgent) send(f bridge.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(f)
}

func (a *fakeAgent) close() {
	a.conn.Close()
}

func (a *fakeAgent) openTab(tabID int, url string) {
	a.send(bridge.Frame{Type: bridge.TypeTabUpdated, TabID: tabID, URL: url, Pid: 4242, Complete: true})
	a.send(bridge.Frame{Type: bridge.TypeTabActivated, TabID: tabID})
	a.send(bridge.Frame{Type: bridge.TypeReceiverReady, TabID: tabID})
	a.send(bridge.Frame{Type: bridge.TypeFocus, Focused: true})
}

func (a *fakeAgent) received(kind domain.DirectiveKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, f := range a.frames {
		if f.Type == bridge.TypeDirective && f.Directive != nil && f.Directive.Kind == kind {
			n++
		}
	}
	return n
}
