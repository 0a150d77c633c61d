package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"tachyon-sftp/internal/domain"
)

// fakeSFTPServer is an in-process SSH+SFTP server backed by pkg/sftp's
// in-memory request-server handlers (sftp.InMemHandler). It lets these
// tests drive Engine.Run's real dispatcher+worker pipeline — including the
// genuine SSH handshake remotefs.Connect performs — without any I/O beyond
// the loopback interface.
//
// Grounded on the teacher's httptest-backed fake remote in
// internal/core/engine_test.go (spawnRangeServer/errorEveryN), adapted from
// HTTP to SSH/SFTP using the subsystem-request wiring shown in
// other_examples' server-sftp.go (accept "session" channel, reply to the
// "subsystem" request for "sftp", hand the channel to sftp.NewRequestServer)
// and the InMemHandler/NewRequestServer/NewClientPipe pairing exercised by
// pkg/sftp's own request-server_test.go.
type fakeSFTPServer struct {
	addr      string
	sshConfig *ssh.ServerConfig
	handlers  sftp.Handlers
	listener  net.Listener
}

func spawnFakeSFTPServer(t *testing.T) *fakeSFTPServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("signer from host key: %v", err)
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if len(password) == 0 {
				return nil, fmt.Errorf("password required")
			}
			return nil, nil
		},
	}
	sshConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &fakeSFTPServer{
		addr:      ln.Addr().String(),
		sshConfig: sshConfig,
		handlers:  sftp.InMemHandler(),
		listener:  ln,
	}

	go srv.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *fakeSFTPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeSFTPServer) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *fakeSFTPServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "subsystem" || len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		server := sftp.NewRequestServer(channel, s.handlers)
		_ = server.Serve()
		server.Close()
		return
	}
}

// hostPort splits the listener address into the host/port pair
// domain.SftpConfig expects.
func (s *fakeSFTPServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// seedFile writes content into the fake server's in-memory filesystem by
// driving a throwaway SFTP client through the exact same SSH dial path the
// engine's workers use, so seeded fixtures are indistinguishable from
// anything a worker itself could have written.
func (s *fakeSFTPServer) seedFile(t *testing.T, path string, content []byte) {
	t.Helper()
	host, port := s.hostPort(t)

	sshConfig := &ssh.ClientConfig{
		User:            "seed",
		Auth:            []ssh.AuthMethod{ssh.Password("seed")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshClient, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), sshConfig)
	if err != nil {
		t.Fatalf("seed dial: %v", err)
	}
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		t.Fatalf("seed sftp client: %v", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(path)
	if err != nil {
		t.Fatalf("seed create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		t.Fatalf("seed write %s: %v", path, err)
	}
}

func testContent(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func fakeConfig(t *testing.T, srv *fakeSFTPServer) domain.SftpConfig {
	host, port := srv.hostPort(t)
	return domain.SftpConfig{Host: host, Port: port, Username: "tester", Password: "secret"}
}

// collectedEvents is a thread-safe recorder of Events() drained from a
// running Engine, so assertions run after Run has been given time to work
// rather than racing its dispatcher goroutine directly. Before recording an
// event it applies the status transition the Controller would apply, since
// the Engine leaves those to its consumer.
type collectedEvents struct {
	mu   sync.Mutex
	list []Event
	eng  *Engine
}

func newCollector(eng *Engine) *collectedEvents {
	return &collectedEvents{eng: eng}
}

func (c *collectedEvents) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case EvtStarted:
				c.eng.SetStatus(evt.RemoteFile, domain.StatusDownloading, "")
			case EvtPaused:
				c.eng.SetStatus(evt.RemoteFile, domain.StatusPaused, "")
			case EvtCompleted:
				c.eng.SetStatus(evt.RemoteFile, domain.StatusCompleted, "")
			case EvtFailed:
				c.eng.SetStatus(evt.RemoteFile, domain.StatusFailed, evt.Error)
			}
			c.mu.Lock()
			c.list = append(c.list, evt)
			c.mu.Unlock()
		}
	}
}

func (c *collectedEvents) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.list))
	copy(out, c.list)
	return out
}

// TestEngineRunEndToEndRespectsMaxConcurrentAndOrdering drives the real
// dispatcher+worker pipeline (Engine.Run) against the fake SFTP backend with
// more pending items than MaxConcurrent allows, and verifies: (1) no item
// reports Failed, (2) observed
// concurrency never exceeds MaxConcurrent, and (3) every item eventually
// completes and its local file matches the seeded remote content exactly.
func TestEngineRunEndToEndRespectsMaxConcurrentAndOrdering(t *testing.T) {
	srv := spawnFakeSFTPServer(t)

	const fileSize = 3*ChunkSize + 777
	const numFiles = 5

	dir := t.TempDir()
	contents := make(map[string][]byte, numFiles)
	for i := 0; i < numFiles; i++ {
		remote := fmt.Sprintf("/remote-%d.bin", i)
		content := testContent(fileSize + i)
		contents[remote] = content
		srv.seedFile(t, remote, content)
	}

	e := New(slog.Default())
	e.SetConfig(fakeConfig(t, srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := newCollector(e)
	go collector.drain(ctx, e.Events())
	go e.Run(ctx)

	for remote := range contents {
		e.Submit(AddItem(&domain.QueueItem{
			RemoteFile:    remote,
			Filename:      filepath.Base(remote),
			LocalLocation: dir,
			SizeBytes:     int64(len(contents[remote])),
			Status:        domain.StatusPending,
		}))
	}

	deadline := time.Now().Add(10 * time.Second)
	completed := make(map[string]bool)
	maxConcurrent := 0
	active := make(map[string]bool)

	for time.Now().Before(deadline) && len(completed) < numFiles {
		for _, evt := range collector.snapshot() {
			switch evt.Kind {
			case EvtStarted:
				active[evt.RemoteFile] = true
			case EvtCompleted, EvtFailed, EvtPaused:
				delete(active, evt.RemoteFile)
			}
			if evt.Kind == EvtCompleted {
				completed[evt.RemoteFile] = true
			}
			if evt.Kind == EvtFailed {
				t.Fatalf("unexpected failure for %s: %s", evt.RemoteFile, evt.Error)
			}
		}
		if len(active) > maxConcurrent {
			maxConcurrent = len(active)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(completed) != numFiles {
		t.Fatalf("expected all %d files to complete, got %d: %v", numFiles, len(completed), completed)
	}
	if maxConcurrent > MaxConcurrent {
		t.Fatalf("observed %d concurrently-active downloads, want <= %d", maxConcurrent, MaxConcurrent)
	}

	for remote, want := range contents {
		item, ok := e.Item(remote)
		if !ok {
			t.Fatalf("expected %s to remain in queue after completion", remote)
		}
		if item.Status != domain.StatusCompleted {
			t.Errorf("%s: expected status completed, got %v", remote, item.Status)
		}
		got, err := os.ReadFile(filepath.Join(dir, filepath.Base(remote)))
		if err != nil {
			t.Fatalf("read downloaded %s: %v", remote, err)
		}
		if string(got) != string(want) {
			t.Errorf("%s: downloaded content does not match seeded content (got %d bytes, want %d)", remote, len(got), len(want))
		}
	}
}

// TestEnginePauseThenResumePreservesOffsetAndIntegrity pauses an in-flight
// download mid-transfer, resumes it, and verifies the final file is
// byte-identical to the seeded remote content — proving the resumed worker
// picked up from the paused offset rather than restarting or duplicating
// bytes.
func TestEnginePauseThenResumePreservesOffsetAndIntegrity(t *testing.T) {
	srv := spawnFakeSFTPServer(t)

	const remote = "/resume-me.bin"
	const fileSize = 6 * ChunkSize
	content := testContent(fileSize)
	srv.seedFile(t, remote, content)

	dir := t.TempDir()
	e := New(slog.Default())
	e.SetConfig(fakeConfig(t, srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := newCollector(e)
	go collector.drain(ctx, e.Events())
	go e.Run(ctx)

	// Throttled well below loopback line rate so the 6-chunk transfer spans
	// enough wall-clock time for the test to land a Pause command mid-flight
	// instead of racing it to completion.
	e.Submit(SetSpeedLimit(256))

	e.Submit(AddItem(&domain.QueueItem{
		RemoteFile:    remote,
		Filename:      filepath.Base(remote),
		LocalLocation: dir,
		SizeBytes:     int64(len(content)),
		Status:        domain.StatusPending,
	}))

	// Wait for the first progress report, then pause mid-transfer.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		progressed := false
		for _, evt := range collector.snapshot() {
			if evt.Kind == EvtProgress && evt.RemoteFile == remote && evt.BytesDownloaded > 0 {
				progressed = true
			}
		}
		if progressed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Submit(Pause(remote))

	pausedAt := waitForEventKind(t, collector, remote, EvtPaused, 5*time.Second)
	item, ok := e.Item(remote)
	if !ok || item.Status != domain.StatusPaused {
		t.Fatalf("expected item paused, got %+v (ok=%v)", item, ok)
	}
	if pausedAt.BytesDownloaded <= 0 || pausedAt.BytesDownloaded >= int64(fileSize) {
		t.Fatalf("expected a partial pause offset, got %d of %d", pausedAt.BytesDownloaded, fileSize)
	}

	e.Submit(Resume(remote))
	waitForEventKind(t, collector, remote, EvtCompleted, 10*time.Second)

	got, err := os.ReadFile(filepath.Join(dir, filepath.Base(remote)))
	if err != nil {
		t.Fatalf("read resumed file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("resumed download corrupted: got %d bytes, want %d", len(got), len(content))
	}
}

// TestEngineCancelStopsDispatchAndRemovesItem cancels a queued item and
// verifies it is both removed from the queue and never reaches Completed.
func TestEngineCancelStopsDispatchAndRemovesItem(t *testing.T) {
	srv := spawnFakeSFTPServer(t)

	const remote = "/cancel-me.bin"
	content := testContent(2 * ChunkSize)
	srv.seedFile(t, remote, content)

	dir := t.TempDir()
	e := New(slog.Default())
	e.SetConfig(fakeConfig(t, srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := newCollector(e)
	go collector.drain(ctx, e.Events())
	go e.Run(ctx)

	e.Submit(AddItem(&domain.QueueItem{
		RemoteFile:    remote,
		Filename:      filepath.Base(remote),
		LocalLocation: dir,
		SizeBytes:     int64(len(content)),
		Status:        domain.StatusPending,
	}))
	e.Submit(Cancel(remote))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Item(remote); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := e.Item(remote); ok {
		t.Fatalf("expected %s to be removed from the queue after cancel", remote)
	}

	for _, evt := range collector.snapshot() {
		if evt.Kind == EvtCompleted && evt.RemoteFile == remote {
			t.Fatalf("cancelled item must not complete")
		}
	}
}

// waitForEventKind polls the collector until an event of the given kind for
// remoteFile appears, returning it, or fails the test after timeout.
func waitForEventKind(t *testing.T, c *collectedEvents, remoteFile string, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, evt := range c.snapshot() {
			if evt.RemoteFile == remoteFile && evt.Kind == kind {
				return evt
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %v on %s", kind, remoteFile)
	return Event{}
}
