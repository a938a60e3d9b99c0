package provisioner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"codedock/internal/exec/profile"
	"codedock/internal/exec/stream"
	appErr "codedock/pkg/errors"
)

type createCall struct {
	name    string
	config  *container.Config
	hostCfg *container.HostConfig
}

type fakeDocker struct {
	mu sync.Mutex

	removed    []string
	removeErrs map[string]error
	creates    []createCall
	createErr  error
	startErr   error
	started    []string
	stopped    []string

	knownImages map[string]bool
	pulled      []string
	pullErr     error

	execOutput    []byte
	execExit      int
	runningPolls  int
	execCreateErr error
	attachErr     error
	silentAttach  bool
	stdin         bytes.Buffer
	execCreates   []container.ExecOptions
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		removeErrs:  map[string]error{},
		knownImages: map[string]bool{},
	}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.creates = append(f.creates, createCall{name: containerName, config: config, hostCfg: hostConfig})
	return container.CreateResponse{ID: "cid-" + containerName}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	if err, ok := f.removeErrs[containerID]; ok {
		return err
	}
	return nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _, _ string, content io.Reader, _ container.CopyToContainerOptions) error {
	_, err := io.Copy(io.Discard, content)
	return err
}

func (f *fakeDocker) CopyFromContainer(_ context.Context, _, _ string) (io.ReadCloser, container.PathStat, error) {
	return io.NopCloser(bytes.NewReader(nil)), container.PathStat{}, nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execCreateErr != nil {
		return types.IDResponse{}, f.execCreateErr
	}
	f.execCreates = append(f.execCreates, options)
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	if f.attachErr != nil {
		return types.HijackedResponse{}, f.attachErr
	}
	server, clientConn := net.Pipe()
	if f.silentAttach {
		// A stalled tool: the stream stays open and never produces a byte.
		return types.NewHijackedResponse(clientConn, ""), nil
	}
	go func() {
		_, _ = server.Write(f.execOutput)
		_ = server.Close()
	}()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := server.Read(buf)
			if n > 0 {
				f.mu.Lock()
				f.stdin.Write(buf[:n])
				f.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return types.NewHijackedResponse(clientConn, ""), nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runningPolls > 0 {
		f.runningPolls--
		return container.ExecInspect{ExecID: execID, Running: true}, nil
	}
	return container.ExecInspect{ExecID: execID, Running: false, ExitCode: f.execExit}, nil
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, imageID string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.knownImages[imageID] {
		return types.ImageInspect{ID: imageID}, nil, nil
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeDocker) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func pythonProfile() profile.Profile {
	return profile.Profile{
		Language: "python",
		Image:    "python:3.11-slim",
		Env:      []string{"PYTHONUNBUFFERED=1"},
	}
}

func TestContainerNameDeterministicAndSanitized(t *testing.T) {
	a := ContainerName("sess-42")
	if a != "codedock-sess-42" {
		t.Fatalf("name = %q", a)
	}
	if a != ContainerName("sess-42") {
		t.Fatalf("name not deterministic")
	}
	if got := ContainerName("weird id/../x"); strings.ContainsAny(got, "/ ") {
		t.Fatalf("name %q not sanitized", got)
	}
}

func TestProvisionRemovesPredecessorFirst(t *testing.T) {
	fake := newFakeDocker()
	fake.knownImages["python:3.11-slim"] = true
	p := New(fake, Config{})

	handle, err := p.Provision(context.Background(), pythonProfile(), "s1", false)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(fake.removed) != 1 || fake.removed[0] != "codedock-s1" {
		t.Fatalf("stale remove calls = %v", fake.removed)
	}
	if len(fake.creates) != 1 || fake.creates[0].name != "codedock-s1" {
		t.Fatalf("creates = %+v", fake.creates)
	}
	if handle.ContainerID == "" || handle.Name != "codedock-s1" {
		t.Fatalf("handle = %+v", handle)
	}
	if len(fake.started) != 1 {
		t.Fatalf("container not started")
	}
}

func TestProvisionAppliesLimitsAndIsolation(t *testing.T) {
	fake := newFakeDocker()
	fake.knownImages["python:3.11-slim"] = true
	p := New(fake, Config{MemoryLimitBytes: 256 * 1024 * 1024, PidsLimit: 64})

	if _, err := p.Provision(context.Background(), pythonProfile(), "s1", false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	hostCfg := fake.creates[0].hostCfg
	if hostCfg.NetworkMode != "none" {
		t.Fatalf("network mode = %q, want none", hostCfg.NetworkMode)
	}
	if hostCfg.Resources.Memory != 256*1024*1024 {
		t.Fatalf("memory = %d", hostCfg.Resources.Memory)
	}
	if hostCfg.Resources.PidsLimit == nil || *hostCfg.Resources.PidsLimit != 64 {
		t.Fatalf("pids limit = %v", hostCfg.Resources.PidsLimit)
	}
	if _, ok := hostCfg.Tmpfs[WorkDir]; !ok {
		t.Fatalf("workspace tmpfs missing: %v", hostCfg.Tmpfs)
	}
	cfg := fake.creates[0].config
	if cfg.WorkingDir != WorkDir {
		t.Fatalf("working dir = %q", cfg.WorkingDir)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "PYTHONUNBUFFERED=1" {
		t.Fatalf("env = %v", cfg.Env)
	}
}

func TestProvisionEnablesNetworkForInstall(t *testing.T) {
	fake := newFakeDocker()
	fake.knownImages["python:3.11-slim"] = true
	p := New(fake, Config{DNS: []string{"9.9.9.9"}})

	if _, err := p.Provision(context.Background(), pythonProfile(), "s1", true); err != nil {
		t.Fatalf("provision: %v", err)
	}
	hostCfg := fake.creates[0].hostCfg
	if hostCfg.NetworkMode != "bridge" {
		t.Fatalf("network mode = %q, want bridge", hostCfg.NetworkMode)
	}
	if len(hostCfg.DNS) != 1 || hostCfg.DNS[0] != "9.9.9.9" {
		t.Fatalf("dns = %v", hostCfg.DNS)
	}
}

func TestProvisionPullsMissingImage(t *testing.T) {
	fake := newFakeDocker()
	p := New(fake, Config{})

	if _, err := p.Provision(context.Background(), pythonProfile(), "s1", false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != "python:3.11-slim" {
		t.Fatalf("pulled = %v", fake.pulled)
	}
}

func TestProvisionPullFailureIsImageMissing(t *testing.T) {
	fake := newFakeDocker()
	fake.pullErr = errors.New("repository does not exist")
	p := New(fake, Config{})

	_, err := p.Provision(context.Background(), pythonProfile(), "s1", false)
	if appErr.GetCode(err) != appErr.ImageMissing {
		t.Fatalf("err = %v, want ImageMissing", err)
	}
}

func TestProvisionCleansUpWhenStartFails(t *testing.T) {
	fake := newFakeDocker()
	fake.knownImages["python:3.11-slim"] = true
	fake.startErr = errors.New("driver error")
	p := New(fake, Config{})

	_, err := p.Provision(context.Background(), pythonProfile(), "s1", false)
	if appErr.GetCode(err) != appErr.ProvisionFailed {
		t.Fatalf("err = %v, want ProvisionFailed", err)
	}
	// First remove is the stale-name sweep; the second removes the
	// container we just created but could not start.
	if len(fake.removed) != 2 || fake.removed[1] != "cid-codedock-s1" {
		t.Fatalf("removed = %v", fake.removed)
	}
}

func TestTeardownToleratesMissingContainer(t *testing.T) {
	fake := newFakeDocker()
	fake.removeErrs["cid-1"] = errdefs.NotFound(errors.New("no such container"))
	p := New(fake, Config{})

	if err := p.Teardown(context.Background(), Handle{ContainerID: "cid-1"}); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := p.Teardown(context.Background(), Handle{ContainerID: "cid-1"}); err != nil {
		t.Fatalf("repeat teardown: %v", err)
	}
	if err := p.Teardown(context.Background(), Handle{}); err != nil {
		t.Fatalf("empty handle teardown: %v", err)
	}
}

func TestTranslateEngineErr(t *testing.T) {
	err := translateEngineErr(client.ErrorConnectionFailed("unix:///var/run/docker.sock"), appErr.ProvisionFailed, "create failed")
	if appErr.GetCode(err) != appErr.EngineUnreachable {
		t.Fatalf("err = %v, want EngineUnreachable", err)
	}
	err = translateEngineErr(errors.New("boom"), appErr.ProvisionFailed, "create failed")
	if appErr.GetCode(err) != appErr.ProvisionFailed {
		t.Fatalf("err = %v, want ProvisionFailed", err)
	}
	if translateEngineErr(nil, appErr.ProvisionFailed, "x") != nil {
		t.Fatalf("nil error must stay nil")
	}
}

func TestRunCommandDemuxesOutputAndExitCode(t *testing.T) {
	fake := newFakeDocker()
	fake.execOutput = append(
		stream.EncodeFrame(stream.Stdout, []byte("collected ")),
		stream.EncodeFrame(stream.Stderr, []byte("warning"))...)
	fake.execExit = 3
	fake.runningPolls = 1
	p := New(fake, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.RunCommand(ctx, Handle{ContainerID: "cid-1"}, "pip install -r requirements.txt", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
	if res.Output != "collected warning" {
		t.Fatalf("output = %q", res.Output)
	}
	opts := fake.execCreates[0]
	if !opts.AttachStdout || !opts.AttachStderr || opts.AttachStdin {
		t.Fatalf("exec attach flags wrong: %+v", opts)
	}
	if opts.WorkingDir != WorkDir {
		t.Fatalf("working dir = %q", opts.WorkingDir)
	}
}

func TestRunCommandTimesOutOnSilentTool(t *testing.T) {
	fake := newFakeDocker()
	fake.silentAttach = true
	p := New(fake, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.RunCommand(ctx, Handle{ContainerID: "cid-1"}, "pip install -r requirements.txt", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if appErr.GetCode(err) != appErr.Timeout {
			t.Fatalf("err = %v, want Timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunCommand still blocked well past its context deadline")
	}
}

func TestStartProcessForwardsStdin(t *testing.T) {
	fake := newFakeDocker()
	fake.execOutput = stream.EncodeFrame(stream.Stdout, []byte("ready\n"))
	p := New(fake, Config{})

	proc, err := p.StartProcess(context.Background(), Handle{ContainerID: "cid-1"}, "python3 main.py", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer proc.Close()

	if !fake.execCreates[0].AttachStdin {
		t.Fatalf("stdin not attached")
	}
	if err := proc.WriteStdin([]byte("42\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	data, err := io.ReadAll(proc.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var got bytes.Buffer
	demux := stream.NewDemuxer(func(c stream.Chunk) { got.Write(c.Data) })
	_, _ = demux.Write(data)
	if got.String() != "ready\n" {
		t.Fatalf("output = %q", got.String())
	}

	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		sent := fake.stdin.String()
		fake.mu.Unlock()
		if sent == "42\n" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stdin never reached the exec: %q", sent)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunCommandWithInputFeedsStdin(t *testing.T) {
	fake := newFakeDocker()
	fake.execOutput = stream.EncodeFrame(stream.Stdout, []byte("ok"))
	p := New(fake, Config{})

	res, err := p.RunCommandWithInput(context.Background(), Handle{ContainerID: "cid-1"}, "cat", nil, []byte("piped\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "ok" {
		t.Fatalf("output = %q", res.Output)
	}
	if !fake.execCreates[0].AttachStdin {
		t.Fatalf("stdin not attached for input run")
	}
	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		sent := fake.stdin.String()
		fake.mu.Unlock()
		if sent == "piped\n" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stdin never reached the exec: %q", sent)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecCreateFailureCode(t *testing.T) {
	fake := newFakeDocker()
	fake.execCreateErr = errors.New("container not running")
	p := New(fake, Config{})

	_, err := p.RunCommand(context.Background(), Handle{ContainerID: "cid-1"}, "true", nil)
	if appErr.GetCode(err) != appErr.ExecStartFailed {
		t.Fatalf("err = %v, want ExecStartFailed", err)
	}
	_, err = p.StartProcess(context.Background(), Handle{ContainerID: "cid-1"}, "true", nil)
	if appErr.GetCode(err) != appErr.ExecStartFailed {
		t.Fatalf("err = %v, want ExecStartFailed", err)
	}
}
