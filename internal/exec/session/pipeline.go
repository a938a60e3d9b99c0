package session

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"codedock/internal/exec/command"
	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	"codedock/internal/exec/stream"
	"codedock/internal/exec/workspace"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

func (m *Manager) runPipeline(ctx context.Context, sess *Session, files []model.ProjectFile, entry string, prof profile.Profile, manifest, cacheKey string, libRefs []model.LibraryRef) {
	defer m.wg.Done()

	var handle provisioner.Handle
	err := retryTransient(ctx, "provision", m.cfg.ProvisionRetries, m.cfg.RetryBackoff, m.cfg.RetryBackoffMax, provisionRetryable, func() error {
		h, perr := m.engine.Provision(ctx, prof, sess.ID, manifest != "")
		if perr != nil {
			return perr
		}
		handle = h
		return nil
	})
	if err != nil {
		m.fail(ctx, sess, err)
		return
	}
	sess.setHandle(handle)
	sess.setState(model.StateWorkspace)

	var libs []model.CustomLibrary
	if len(libRefs) > 0 {
		libs, err = m.libraries.Resolve(ctx, libRefs)
		if err != nil {
			m.fail(ctx, sess, err)
			return
		}
	}

	if err := m.workspace.Materialize(ctx, handle, files); err != nil {
		m.fail(ctx, sess, err)
		return
	}
	if len(libs) > 0 {
		if err := m.workspace.StageLibraries(ctx, handle, libs); err != nil {
			m.fail(ctx, sess, err)
			return
		}
	}

	if manifest != "" {
		sess.setState(model.StateInstalling)
		if _, _, err := m.installer.Install(ctx, handle, prof, manifest, cacheKey); err != nil {
			m.fail(ctx, sess, err)
			return
		}
	}
	if len(libs) > 0 {
		if err := m.workspace.MergeLibraries(ctx, handle, prof, libs); err != nil {
			m.fail(ctx, sess, err)
			return
		}
	}

	shellCmd, err := command.Build(prof, files, entry, stagingFor(libs))
	if err != nil {
		m.fail(ctx, sess, err)
		return
	}

	sess.setState(model.StateRunning)
	execCtx, cancelExec := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	defer cancelExec()

	var proc Process
	err = retryTransient(execCtx, "attach", m.cfg.ProvisionRetries, m.cfg.RetryBackoff, m.cfg.RetryBackoffMax, attachRetryable, func() error {
		p, aerr := m.engine.StartProcess(execCtx, handle, shellCmd, prof.Env)
		if aerr != nil {
			return aerr
		}
		proc = p
		return nil
	})
	if err != nil {
		m.fail(ctx, sess, err)
		return
	}
	sess.setProcess(proc)
	defer proc.Close()

	if err := m.pumpOutput(execCtx, sess, proc); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.fail(ctx, sess, appErr.New(appErr.ExecTimeout).
				WithMessage("execution exceeded "+m.cfg.ExecTimeout.String()))
			return
		}
		// A canceled context means a stop or shutdown already decided the
		// terminal state; finish below is then a no-op.
		if !errors.Is(err, context.Canceled) {
			m.fail(ctx, sess, err)
			return
		}
	}

	exitCtx, cancelExit := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExit()
	exitCode, err := proc.ExitCode(exitCtx)
	if err != nil {
		m.fail(ctx, sess, err)
		return
	}
	m.terminate(sess, model.StateCompleted, exitCode, model.OutputEvent{Type: model.EventEnd}, false)
}

// pumpOutput demultiplexes the raw process stream into ordered stdout and
// stderr events until the stream ends.
func (m *Manager) pumpOutput(ctx context.Context, sess *Session, proc Process) error {
	demux := stream.NewDemuxer(func(c stream.Chunk) {
		eventType := model.EventStdout
		if c.Stream == stream.Stderr {
			eventType = model.EventStderr
		}
		sess.emit(model.OutputEvent{Type: eventType, Data: string(c.Data)})
	})

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := proc.Output().Read(buf)
			if n > 0 {
				if _, werr := demux.Write(buf[:n]); werr != nil {
					readErr <- werr
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					readErr <- nil
					return
				}
				readErr <- appErr.Wrapf(err, appErr.StreamClosed, "read process output failed")
				return
			}
		}
	}()

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		// Closing the attachment unblocks the reader.
		proc.Close()
		<-readErr
		return ctx.Err()
	}
}

// fail settles the session as Failed with a single bounded error event.
// Program-level compile and runtime errors never reach here; they arrive
// as ordinary stderr output.
func (m *Manager) fail(ctx context.Context, sess *Session, err error) {
	logger.Error(ctx, "session pipeline failed",
		zap.String("session_id", sess.ID), zap.Error(err))
	msg := appErr.GetCode(err).Message()
	if e := appErr.GetError(err); e != nil && e.Message != "" {
		msg = e.Message
	}
	m.terminate(sess, model.StateFailed, -1,
		model.OutputEvent{Type: model.EventError, Data: msg}, false)
}

// terminate settles the session exactly once and schedules cleanup. When
// sync is true the container teardown happens before returning.
func (m *Manager) terminate(sess *Session, state model.SessionState, exitCode int, event model.OutputEvent, sync bool) {
	if !sess.finish(state, exitCode, event) {
		return
	}
	if sync {
		m.finalize(sess)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.finalize(sess)
	}()
}

// finalize publishes the terminal status, waits out the grace window so a
// late reader can drain buffered output, then tears the container down and
// releases the session id. Cleanup failures are logged and suppressed.
func (m *Manager) finalize(sess *Session) {
	status := sess.Status()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()

	if m.publisher != nil {
		if err := m.publisher.PublishFinalStatus(ctx, status); err != nil {
			logger.Warn(ctx, "publish session status failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	time.Sleep(m.cfg.GraceWindow)

	if handle, ok := sess.currentHandle(); ok {
		if err := m.engine.Teardown(ctx, handle); err != nil {
			logger.Warn(ctx, "container teardown failed",
				zap.String("session_id", sess.ID),
				zap.String("container_id", handle.ContainerID),
				zap.Error(err))
		}
	}
	m.registry.Remove(sess)
	logger.Info(ctx, "session finalized",
		zap.String("session_id", sess.ID),
		zap.String("state", string(status.State)))
}

func attachRetryable(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.EngineUnreachable, appErr.AttachFailed, appErr.ExecStartFailed:
		return true
	}
	return false
}

func stagingFor(libs []model.CustomLibrary) command.Staging {
	node, javaLib, nativeLib, nativeInc, wheels := workspace.StagingPaths(libs)
	return command.Staging{
		NodeModules:   node,
		JavaLib:       javaLib,
		NativeLib:     nativeLib,
		NativeInclude: nativeInc,
		PythonWheels:  wheels,
	}
}

// DockerEngine adapts the concrete container provisioner to the Engine
// interface.
type DockerEngine struct {
	prov *provisioner.Provisioner
}

// NewDockerEngine wraps a provisioner.
func NewDockerEngine(p *provisioner.Provisioner) *DockerEngine {
	return &DockerEngine{prov: p}
}

func (e *DockerEngine) Provision(ctx context.Context, prof profile.Profile, sessionID string, needsNetwork bool) (provisioner.Handle, error) {
	return e.prov.Provision(ctx, prof, sessionID, needsNetwork)
}

func (e *DockerEngine) Teardown(ctx context.Context, handle provisioner.Handle) error {
	return e.prov.Teardown(ctx, handle)
}

func (e *DockerEngine) StartProcess(ctx context.Context, handle provisioner.Handle, cmd string, env []string) (Process, error) {
	proc, err := e.prov.StartProcess(ctx, handle, cmd, env)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
