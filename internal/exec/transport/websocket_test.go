package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	"codedock/internal/exec/session"
	"codedock/internal/exec/stream"
)

// wsProcess streams whatever the test writes to its pipe and records
// relayed stdin.
type wsProcess struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu        sync.Mutex
	stdin     bytes.Buffer
	closeOnce sync.Once
}

func newWSProcess() *wsProcess {
	pr, pw := io.Pipe()
	return &wsProcess{pr: pr, pw: pw}
}

func (p *wsProcess) Output() io.Reader { return p.pr }

func (p *wsProcess) WriteStdin(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin.Write(b)
	return nil
}

func (p *wsProcess) CloseStdin() error { return nil }

func (p *wsProcess) ExitCode(context.Context) (int, error) { return 0, nil }

func (p *wsProcess) Close() {
	p.closeOnce.Do(func() {
		_ = p.pw.Close()
		_ = p.pr.Close()
	})
}

func (p *wsProcess) stdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

type wsEngine struct {
	proc *wsProcess
}

func (e *wsEngine) Provision(_ context.Context, _ profile.Profile, sessionID string, _ bool) (provisioner.Handle, error) {
	return provisioner.Handle{ContainerID: "c-" + sessionID, SessionID: sessionID}, nil
}

func (e *wsEngine) Teardown(context.Context, provisioner.Handle) error { return nil }

func (e *wsEngine) StartProcess(context.Context, provisioner.Handle, string, []string) (session.Process, error) {
	return e.proc, nil
}

type wsWorkspace struct{}

func (wsWorkspace) Materialize(context.Context, provisioner.Handle, []model.ProjectFile) error {
	return nil
}

func (wsWorkspace) StageLibraries(context.Context, provisioner.Handle, []model.CustomLibrary) error {
	return nil
}

func (wsWorkspace) MergeLibraries(context.Context, provisioner.Handle, profile.Profile, []model.CustomLibrary) error {
	return nil
}

type wsInstaller struct{}

func (wsInstaller) Install(context.Context, provisioner.Handle, profile.Profile, string, string) (bool, string, error) {
	return false, "", nil
}

func newStreamServer(t *testing.T, proc *wsProcess) (*session.Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := profile.NewLocalRepository(nil)
	manager := session.NewManager(session.Config{
		RetryBackoff:   time.Millisecond,
		GraceWindow:    50 * time.Millisecond,
		CleanupTimeout: time.Second,
	}, repo, &wsEngine{proc: proc}, wsWorkspace{}, wsInstaller{}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	streamer := NewStreamer(manager)
	router := gin.New()
	router.GET("/sessions/:id/stream", func(c *gin.Context) {
		_ = streamer.Stream(c.Writer, c.Request, c.Param("id"))
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return manager, srv
}

func startSession(t *testing.T, manager *session.Manager, id string) {
	t.Helper()
	_, err := manager.Start(context.Background(), model.StartRequest{
		SessionID: id,
		Language:  "python",
		Files: []model.ProjectFile{
			{Path: "main.py", Content: []byte("print(input())"), Role: model.RoleEntry},
		},
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (model.OutputEvent, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return model.OutputEvent{}, err
	}
	var ev model.OutputEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("event is not json: %v\n%s", err, payload)
	}
	return ev, nil
}

func TestStreamDeliversOutputThenCloses(t *testing.T) {
	proc := newWSProcess()
	manager, srv := newStreamServer(t, proc)

	startSession(t, manager, "ws-1")
	conn := dialStream(t, srv, "ws-1")

	if _, err := proc.pw.Write(stream.EncodeFrame(stream.Stdout, []byte("hello\n"))); err != nil {
		t.Fatalf("write output: %v", err)
	}
	ev, err := readEvent(t, conn)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != model.EventStdout || ev.Data != "hello\n" {
		t.Fatalf("event = %+v", ev)
	}

	_ = proc.pw.Close()
	ev, err = readEvent(t, conn)
	if err != nil {
		t.Fatalf("read terminal event: %v", err)
	}
	if ev.Type != model.EventEnd {
		t.Fatalf("terminal event = %+v", ev)
	}

	if _, err := readEvent(t, conn); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestStreamRelaysInput(t *testing.T) {
	proc := newWSProcess()
	manager, srv := newStreamServer(t, proc)

	startSession(t, manager, "ws-2")
	conn := dialStream(t, srv, "ws-2")

	msg, _ := json.Marshal(map[string]string{"type": "input", "data": "forty two"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		// The process may not be attached yet; resend until the relay lands.
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.Fatalf("send input: %v", err)
		}
		if strings.Contains(proc.stdinString(), "forty two\n") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("input never reached process, stdin = %q", proc.stdinString())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := manager.Stop(context.Background(), "ws-2"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ev, err := readEvent(t, conn)
	if err != nil {
		t.Fatalf("read terminal event: %v", err)
	}
	if ev.Type != model.EventEnd {
		t.Fatalf("terminal event = %+v", ev)
	}
}

func TestStreamStopsSessionOnDisconnect(t *testing.T) {
	proc := newWSProcess()
	manager, srv := newStreamServer(t, proc)

	startSession(t, manager, "ws-3")
	conn := dialStream(t, srv, "ws-3")

	// Wait until the session is streaming, then drop the client.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := manager.Status("ws-3")
		if err == nil && status.State == model.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached running state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.Close()

	for {
		if _, err := manager.Status("ws-3"); err != nil {
			return // stopped, swept from the registry
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	proc := newWSProcess()
	_, srv := newStreamServer(t, proc)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/nope/stream"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("dial succeeded for unknown session")
	}
	_ = proc.pw.Close()
}
