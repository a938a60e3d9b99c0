package provisioner

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"codedock/internal/exec/stream"
	appErr "codedock/pkg/errors"
)

const execInspectInterval = 100 * time.Millisecond

// ExecResult is the outcome of a finished in-container command.
type ExecResult struct {
	ExitCode int
	Output   string
}

// RunCommand executes a shell command inside the container and waits for it
// to finish. Output is the demultiplexed stdout+stderr in arrival order.
// Completion and success are determined solely by the exec's exit status.
func (p *Provisioner) RunCommand(ctx context.Context, handle Handle, cmd string, env []string) (ExecResult, error) {
	return p.runExec(ctx, handle, cmd, env, nil)
}

// RunCommandWithInput behaves like RunCommand with payload fed to the
// command's stdin, which is then half-closed so the command sees EOF.
func (p *Provisioner) RunCommandWithInput(ctx context.Context, handle Handle, cmd string, env []string, input []byte) (ExecResult, error) {
	return p.runExec(ctx, handle, cmd, env, input)
}

func (p *Provisioner) runExec(ctx context.Context, handle Handle, cmd string, env []string, input []byte) (ExecResult, error) {
	created, err := p.cli.ContainerExecCreate(ctx, handle.ContainerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		Env:          env,
		WorkingDir:   WorkDir,
		AttachStdin:  input != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, translateEngineErr(err, appErr.ExecStartFailed, "exec create failed")
	}

	resp, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, translateEngineErr(err, appErr.AttachFailed, "exec attach failed")
	}
	defer resp.Close()

	if input != nil {
		if _, err := resp.Conn.Write(input); err != nil {
			return ExecResult{}, appErr.Wrap(err, appErr.ExecStartFailed)
		}
		_ = resp.CloseWrite()
	}

	var out bytes.Buffer
	demux := stream.NewDemuxer(func(c stream.Chunk) {
		out.Write(c.Data)
	})

	// The hijacked reader has no deadline support; a silent command would
	// block Read past any context expiry. Read in a goroutine and tear the
	// connection down on ctx.Done to unblock it.
	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(demux, resp.Reader)
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err != nil {
			return ExecResult{Output: out.String()}, appErr.Wrapf(err, appErr.ExecStartFailed, "read exec output failed")
		}
	case <-ctx.Done():
		resp.Close()
		<-readErr
		return ExecResult{Output: out.String()}, appErr.Wrap(ctx.Err(), appErr.Timeout)
	}

	code, err := p.waitExec(ctx, created.ID)
	if err != nil {
		return ExecResult{Output: out.String()}, err
	}
	return ExecResult{ExitCode: code, Output: out.String()}, nil
}

// waitExec polls until the exec leaves the running state and returns its
// exit code.
func (p *Provisioner) waitExec(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, translateEngineErr(err, appErr.ExecStartFailed, "exec inspect failed")
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, appErr.Wrap(ctx.Err(), appErr.Timeout)
		case <-time.After(execInspectInterval):
		}
	}
}

// Process is a long-running in-container exec with live streams attached.
type Process struct {
	ExecID string

	prov *Provisioner
	resp types.HijackedResponse
}

// StartProcess launches the submission's run command with stdin, stdout and
// stderr attached, returning the live process handle.
func (p *Provisioner) StartProcess(ctx context.Context, handle Handle, cmd string, env []string) (*Process, error) {
	created, err := p.cli.ContainerExecCreate(ctx, handle.ContainerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		Env:          env,
		WorkingDir:   WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, translateEngineErr(err, appErr.ExecStartFailed, "exec create failed")
	}
	resp, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, translateEngineErr(err, appErr.AttachFailed, "exec attach failed")
	}
	return &Process{ExecID: created.ID, prov: p, resp: resp}, nil
}

// Output is the raw multiplexed output stream of the process.
func (pr *Process) Output() io.Reader {
	return pr.resp.Reader
}

// WriteStdin forwards bytes to the process's standard input.
func (pr *Process) WriteStdin(b []byte) error {
	_, err := pr.resp.Conn.Write(b)
	if err != nil {
		return appErr.Wrap(err, appErr.InputRejected)
	}
	return nil
}

// CloseStdin half-closes the stream so the process sees EOF on stdin.
func (pr *Process) CloseStdin() error {
	return pr.resp.CloseWrite()
}

// ExitCode waits for the process to finish and returns its exit status.
func (pr *Process) ExitCode(ctx context.Context) (int, error) {
	return pr.prov.waitExec(ctx, pr.ExecID)
}

// Close releases the attached connection.
func (pr *Process) Close() {
	pr.resp.Close()
}
