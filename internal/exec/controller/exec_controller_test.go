package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	"codedock/internal/exec/session"
	"codedock/internal/exec/transport"
	appErr "codedock/pkg/errors"
)

type stubProcess struct{}

func (stubProcess) Output() io.Reader                   { return bytes.NewReader(nil) }
func (stubProcess) WriteStdin([]byte) error             { return nil }
func (stubProcess) CloseStdin() error                   { return nil }
func (stubProcess) ExitCode(context.Context) (int, error) { return 0, nil }
func (stubProcess) Close()                              {}

type stubEngine struct{}

func (stubEngine) Provision(_ context.Context, _ profile.Profile, sessionID string, _ bool) (provisioner.Handle, error) {
	return provisioner.Handle{ContainerID: "c-" + sessionID, SessionID: sessionID}, nil
}

func (stubEngine) Teardown(context.Context, provisioner.Handle) error { return nil }

func (stubEngine) StartProcess(context.Context, provisioner.Handle, string, []string) (session.Process, error) {
	return stubProcess{}, nil
}

type stubWorkspace struct{}

func (stubWorkspace) Materialize(context.Context, provisioner.Handle, []model.ProjectFile) error {
	return nil
}

func (stubWorkspace) StageLibraries(context.Context, provisioner.Handle, []model.CustomLibrary) error {
	return nil
}

func (stubWorkspace) MergeLibraries(context.Context, provisioner.Handle, profile.Profile, []model.CustomLibrary) error {
	return nil
}

type stubInstaller struct{}

func (stubInstaller) Install(context.Context, provisioner.Handle, profile.Profile, string, string) (bool, string, error) {
	return true, "", nil
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := profile.NewLocalRepository(nil)
	manager := session.NewManager(session.Config{
		RetryBackoff:   time.Millisecond,
		GraceWindow:    10 * time.Millisecond,
		CleanupTimeout: time.Second,
	}, repo, stubEngine{}, stubWorkspace{}, stubInstaller{}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	ctrl := NewExecController(manager, repo, transport.NewStreamer(manager))

	router := gin.New()
	v1 := router.Group("/api/v1/exec")
	{
		v1.POST("/sessions", ctrl.Start)
		v1.GET("/sessions/:id", ctrl.GetStatus)
		v1.GET("/sessions/:id/stream", ctrl.Stream)
		v1.POST("/sessions/:id/input", ctrl.SendInput)
		v1.DELETE("/sessions/:id", ctrl.Stop)
		v1.GET("/languages", ctrl.Languages)
	}
	return router, manager
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not the standard envelope: %v\n%s", err, w.Body.String())
	}
	return w, env
}

func TestStartAcknowledgesImmediately(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions", gin.H{
		"session_id": "s1",
		"language":   "python",
		"code":       `print("hi")`,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var data StartSessionResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.SessionID != "s1" || data.Language != "python" {
		t.Errorf("unexpected ack: %+v", data)
	}
}

func TestStartGeneratesSessionID(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions", gin.H{
		"language": "javascript",
		"code":     "console.log(1)",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var data StartSessionResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.SessionID == "" {
		t.Error("expected a generated session id")
	}
}

func TestStartValidationFailures(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		name       string
		body       gin.H
		wantStatus int
		wantCode   appErr.ErrorCode
	}{
		{
			name:       "missing language",
			body:       gin.H{"code": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   appErr.InvalidParams,
		},
		{
			name:       "no code or files",
			body:       gin.H{"language": "python"},
			wantStatus: http.StatusBadRequest,
			wantCode:   appErr.ValidationFailed,
		},
		{
			name:       "code and files together",
			body:       gin.H{"language": "python", "code": "x", "files": []gin.H{{"path": "a.py", "content": "y"}}},
			wantStatus: http.StatusBadRequest,
			wantCode:   appErr.ValidationFailed,
		},
		{
			name:       "unknown language",
			body:       gin.H{"language": "cobol", "code": "DISPLAY 'HI'"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   appErr.LanguageNotSupported,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions", tc.body)
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
			if env.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", env.Code, tc.wantCode)
			}
		})
	}
}

func TestSendInputUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions/ghost/input", gin.H{"input": "hello"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if env.Code != appErr.SessionNotFound {
		t.Errorf("code = %d, want SessionNotFound", env.Code)
	}
}

// gateEngine holds StartProcess until release is closed, keeping the session
// in its pre-attach window.
type gateEngine struct {
	stubEngine
	release chan struct{}
}

func (e *gateEngine) StartProcess(context.Context, provisioner.Handle, string, []string) (session.Process, error) {
	<-e.release
	return stubProcess{}, nil
}

func TestSendInputBeforeAttachIsConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)

	repo := profile.NewLocalRepository(nil)
	engine := &gateEngine{release: make(chan struct{})}
	manager := session.NewManager(session.Config{
		RetryBackoff:   time.Millisecond,
		GraceWindow:    10 * time.Millisecond,
		CleanupTimeout: time.Second,
	}, repo, engine, stubWorkspace{}, stubInstaller{}, nil, nil)
	t.Cleanup(func() {
		close(engine.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	ctrl := NewExecController(manager, repo, transport.NewStreamer(manager))
	router := gin.New()
	router.POST("/api/v1/exec/sessions/:id/input", ctrl.SendInput)

	if _, err := manager.Start(context.Background(), model.StartRequest{
		SessionID: "s-early",
		Language:  "python",
		Files:     []model.ProjectFile{{Path: "main.py", Content: []byte(`print("hi")`)}},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions/s-early/input", gin.H{"input": "hello"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if env.Code != appErr.InputRejected {
		t.Errorf("code = %d, want InputRejected", env.Code)
	}
}

func TestStopUnknownSessionSucceeds(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodDelete, "/api/v1/exec/sessions/ghost", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if env.Code != appErr.Success {
		t.Errorf("code = %d, want Success", env.Code)
	}
}

func TestGetStatusLifecycle(t *testing.T) {
	router, manager := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions", gin.H{
		"session_id": "s-status",
		"language":   "python",
		"code":       `print("hi")`,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start failed: %s", w.Body.String())
	}

	sess, err := manager.Subscribe("s-status")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never completed")
	}

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/exec/sessions/s-status", nil)
	if w.Code == http.StatusOK {
		var status model.SessionStatus
		if err := json.Unmarshal(env.Data, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if status.State != model.StateCompleted {
			t.Errorf("state = %s, want completed", status.State)
		}
		return
	}
	// The grace window may already have released the id.
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 200 or 404", w.Code)
	}
}

func TestLanguages(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/exec/languages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data LanguagesResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(data.Languages) != 4 {
		t.Fatalf("expected 4 languages, got %d", len(data.Languages))
	}
	seen := make(map[string]LanguageInfo)
	for _, l := range data.Languages {
		seen[l.Language] = l
	}
	if !seen["java"].Compiled || seen["python"].Compiled {
		t.Errorf("compiled flags wrong: %+v", seen)
	}
}

func TestOversizedCodeRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	big := bytes.Repeat([]byte("a"), maxFileBytes+1)
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/exec/sessions", gin.H{
		"language": "python",
		"code":     string(big),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if env.Code != appErr.SourceTooLarge {
		t.Errorf("code = %d, want SourceTooLarge", env.Code)
	}
}
