package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"codedock/internal/exec/deps"
	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	"codedock/internal/exec/repository"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

// Process is the running program surface the manager drives.
// *provisioner.Process satisfies it.
type Process interface {
	Output() io.Reader
	WriteStdin(b []byte) error
	CloseStdin() error
	ExitCode(ctx context.Context) (int, error)
	Close()
}

// Engine is the container surface the lifecycle manager needs.
type Engine interface {
	Provision(ctx context.Context, prof profile.Profile, sessionID string, needsNetwork bool) (provisioner.Handle, error)
	Teardown(ctx context.Context, handle provisioner.Handle) error
	StartProcess(ctx context.Context, handle provisioner.Handle, cmd string, env []string) (Process, error)
}

// WorkspaceBuilder materializes files and libraries into the container.
type WorkspaceBuilder interface {
	Materialize(ctx context.Context, handle provisioner.Handle, files []model.ProjectFile) error
	StageLibraries(ctx context.Context, handle provisioner.Handle, libs []model.CustomLibrary) error
	MergeLibraries(ctx context.Context, handle provisioner.Handle, prof profile.Profile, libs []model.CustomLibrary) error
}

// Installer resolves declared dependencies inside the container.
type Installer interface {
	Install(ctx context.Context, handle provisioner.Handle, prof profile.Profile, manifest, cacheKey string) (bool, string, error)
}

// LibraryResolver fetches custom library blobs from the project store.
type LibraryResolver interface {
	Resolve(ctx context.Context, refs []model.LibraryRef) ([]model.CustomLibrary, error)
}

// Config tunes the lifecycle manager.
type Config struct {
	MaxSessions      int           `yaml:"maxSessions"`
	ProvisionRetries int           `yaml:"provisionRetries"`
	RetryBackoff     time.Duration `yaml:"retryBackoff"`
	RetryBackoffMax  time.Duration `yaml:"retryBackoffMax"`
	ExecTimeout      time.Duration `yaml:"execTimeout"`
	GraceWindow      time.Duration `yaml:"graceWindow"`
	EventBuffer      int           `yaml:"eventBuffer"`
	CleanupTimeout   time.Duration `yaml:"cleanupTimeout"`
}

func (c *Config) setDefaults() {
	if c.ProvisionRetries <= 0 {
		c.ProvisionRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 2 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 15 * time.Second
	}
}

// Manager drives every session through its state machine. It is the only
// component that mutates the registry.
type Manager struct {
	cfg       Config
	profiles  profile.Repository
	engine    Engine
	workspace WorkspaceBuilder
	installer Installer
	libraries LibraryResolver
	publisher repository.StatusEventPublisher
	registry  *Registry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager wires a lifecycle manager. libraries and publisher may be nil
// when the project store or the message queue is not configured.
func NewManager(cfg Config, profiles profile.Repository, engine Engine, ws WorkspaceBuilder, installer Installer, libraries LibraryResolver, publisher repository.StatusEventPublisher) *Manager {
	cfg.setDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		profiles:   profiles,
		engine:     engine,
		workspace:  ws,
		installer:  installer,
		libraries:  libraries,
		publisher:  publisher,
		registry:   NewRegistry(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Registry exposes read access for transports and handlers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start validates the request and launches the session pipeline. It returns
// as soon as the session is registered; output streams asynchronously.
func (m *Manager) Start(ctx context.Context, req model.StartRequest) (*Session, error) {
	if req.SessionID == "" {
		return nil, appErr.ValidationError("session_id", "required")
	}
	if len(req.Files) == 0 {
		return nil, appErr.ValidationError("files", "required")
	}
	prof, err := m.profiles.Get(req.Language)
	if err != nil {
		return nil, err
	}
	entry, err := resolveEntry(prof, req)
	if err != nil {
		return nil, err
	}
	if len(req.CustomLibraries) > 0 && m.libraries == nil {
		return nil, appErr.New(appErr.UnsupportedOp).WithMessage("custom libraries require a project store")
	}

	files, manifest, err := deps.Synthesize(prof, req.Files, req.Dependencies)
	if err != nil {
		return nil, err
	}
	cacheKey := ""
	if manifest != "" {
		cacheKey = deps.CacheKey(prof.Language, req.Dependencies, files, manifest)
	}

	pipeCtx, cancel := context.WithCancel(m.baseCtx)
	sess := newSession(req.SessionID, prof.Language, m.cfg.EventBuffer, cancel)

	prev, ok := m.registry.PutWithLimit(sess, m.cfg.MaxSessions)
	if !ok {
		cancel()
		return nil, appErr.New(appErr.SessionLimitReached).
			WithMessage("concurrent session limit reached")
	}
	if prev != nil {
		// Same id started again: the new session supersedes the old one.
		// Container names derive from the session id, so provisioning also
		// removes any leftover container.
		logger.Info(ctx, "session superseded", zap.String("session_id", prev.ID))
		m.terminate(prev, model.StateStopped, 0,
			model.OutputEvent{Type: model.EventEnd, Data: "superseded"}, false)
	}

	m.wg.Add(1)
	go m.runPipeline(pipeCtx, sess, files, entry, prof, manifest, cacheKey, req.CustomLibraries)

	logger.Info(ctx, "session started",
		zap.String("session_id", sess.ID),
		zap.String("language", prof.Language),
		zap.Int("files", len(files)),
		zap.Bool("install", manifest != ""))
	return sess, nil
}

// Stop force-stops a session. It is idempotent: stopping an unknown or
// already-terminal session succeeds.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return nil
	}
	logger.Info(ctx, "session stop requested", zap.String("session_id", sessionID))
	m.terminate(sess, model.StateStopped, 0,
		model.OutputEvent{Type: model.EventEnd, Data: "stopped"}, false)
	return nil
}

// SendInput writes one line to the session's stdin. Writes for the same
// session are applied in request-arrival order.
func (m *Manager) SendInput(ctx context.Context, sessionID, input string) error {
	sess, ok := m.registry.Get(sessionID)
	if !ok || sess.currentState().IsTerminal() {
		return appErr.SessionMissing(sessionID)
	}
	proc := sess.currentProcess()
	if proc == nil {
		return appErr.New(appErr.InputRejected).WithMessage("process is not running yet")
	}
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	sess.inputMu.Lock()
	defer sess.inputMu.Unlock()
	return proc.WriteStdin([]byte(input))
}

// Status returns the session snapshot.
func (m *Manager) Status(sessionID string) (model.SessionStatus, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return model.SessionStatus{}, appErr.SessionMissing(sessionID)
	}
	return sess.Status(), nil
}

// Subscribe returns the session's event channel.
func (m *Manager) Subscribe(sessionID string) (*Session, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, appErr.SessionMissing(sessionID)
	}
	return sess, nil
}

// Shutdown stops every live session and waits for cleanup to finish or the
// context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, sess := range m.registry.All() {
		m.terminate(sess, model.StateStopped, 0,
			model.OutputEvent{Type: model.EventEnd, Data: "shutting down"}, false)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.baseCancel()
		return ctx.Err()
	}
	m.baseCancel()
	return nil
}

// resolveEntry picks the entry file: explicit request field, a file marked
// as entry, the profile convention, then a single matching source file.
func resolveEntry(prof profile.Profile, req model.StartRequest) (string, error) {
	if req.EntryFile != "" {
		for _, f := range req.Files {
			if f.Path == req.EntryFile {
				return req.EntryFile, nil
			}
		}
		return "", appErr.ValidationError("entry_file", "not present in files")
	}
	for _, f := range req.Files {
		if f.Role == model.RoleEntry {
			return f.Path, nil
		}
	}
	var sources []string
	for _, f := range req.Files {
		if f.Path == prof.EntryFile {
			return prof.EntryFile, nil
		}
		if prof.MatchesSource(f.Path) {
			sources = append(sources, f.Path)
		}
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return "", appErr.ValidationError("entry_file", "cannot determine entry file")
}
