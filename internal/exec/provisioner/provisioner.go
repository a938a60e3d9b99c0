package provisioner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"codedock/internal/exec/profile"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

const (
	// WorkDir is the in-container workspace root every session uses.
	WorkDir = "/workspace"
	// StagingDir is where resolved custom libraries land before merging.
	StagingDir = "/opt/staging"

	containerNamePrefix = "codedock-"
	keepAliveCmd        = "sleep infinity"
)

// Config holds container resource and network policy.
type Config struct {
	MemoryLimitBytes int64         `yaml:"memoryLimitBytes"`
	PidsLimit        int64         `yaml:"pidsLimit"`
	WorkspaceTmpfs   string        `yaml:"workspaceTmpfs"`
	DNS              []string      `yaml:"dns"`
	StopTimeout      time.Duration `yaml:"stopTimeout"`
}

// Handle references one provisioned sandbox container.
type Handle struct {
	ContainerID string
	Name        string
	SessionID   string
	Language    string
	Image       string
}

// Provisioner creates and tears down sandbox containers.
type Provisioner struct {
	cli dockerAPI
	cfg Config
}

// New creates a provisioner over an engine client.
func New(cli dockerAPI, cfg Config) *Provisioner {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = 512 * 1024 * 1024
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 128
	}
	if cfg.WorkspaceTmpfs == "" {
		cfg.WorkspaceTmpfs = "rw,exec,size=256m"
	}
	if len(cfg.DNS) == 0 {
		cfg.DNS = []string{"8.8.8.8", "1.1.1.1"}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	return &Provisioner{cli: cli, cfg: cfg}
}

// ContainerName derives the deterministic container name for a session id.
// One session id always maps to one name, so re-provisioning the same id
// can find and remove the previous container.
func ContainerName(sessionID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, sessionID)
	return containerNamePrefix + sanitized
}

// Provision creates and starts the sandbox container for one session.
// Any pre-existing container with the derived name is force-removed first;
// its absence is not an error.
func (p *Provisioner) Provision(ctx context.Context, prof profile.Profile, sessionID string, needsNetwork bool) (Handle, error) {
	name := ContainerName(sessionID)

	if err := p.removeByName(ctx, name); err != nil {
		return Handle{}, err
	}
	if err := p.ensureImage(ctx, prof.Image); err != nil {
		return Handle{}, err
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    p.cfg.MemoryLimitBytes,
			PidsLimit: &p.cfg.PidsLimit,
		},
		Tmpfs: map[string]string{
			WorkDir: p.cfg.WorkspaceTmpfs,
			"/tmp":  "rw,exec,size=64m",
		},
	}
	if needsNetwork {
		hostCfg.NetworkMode = "bridge"
		hostCfg.DNS = p.cfg.DNS
	}

	created, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      prof.Image,
		Cmd:        []string{"sh", "-c", keepAliveCmd},
		WorkingDir: WorkDir,
		Env:        prof.Env,
	}, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, translateEngineErr(err, appErr.ProvisionFailed, "create container failed")
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = p.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return Handle{}, translateEngineErr(err, appErr.ProvisionFailed, "start container failed")
	}

	logger.Debug(ctx, "container provisioned",
		zap.String("session_id", sessionID),
		zap.String("container_id", created.ID),
		zap.String("image", prof.Image),
		zap.Bool("network", needsNetwork))

	return Handle{
		ContainerID: created.ID,
		Name:        name,
		SessionID:   sessionID,
		Language:    prof.Language,
		Image:       prof.Image,
	}, nil
}

// Teardown stops and removes the container. "Already stopped" and
// "not found" count as success; teardown is safe to repeat.
func (p *Provisioner) Teardown(ctx context.Context, handle Handle) error {
	if handle.ContainerID == "" {
		return nil
	}
	stopSecs := int(p.cfg.StopTimeout / time.Second)
	if err := p.cli.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &stopSecs}); err != nil {
		if !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			logger.Warn(ctx, "container stop failed, forcing removal",
				zap.String("container_id", handle.ContainerID), zap.Error(err))
		}
	}
	if err := p.cli.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return appErr.Wrapf(err, appErr.CleanupFailed, "remove container %s failed", handle.ContainerID)
	}
	return nil
}

// removeByName force-removes a container by derived name, tolerating absence.
func (p *Provisioner) removeByName(ctx context.Context, name string) error {
	err := p.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return translateEngineErr(err, appErr.ProvisionFailed, fmt.Sprintf("remove stale container %s failed", name))
}

// ensureImage pulls the execution image only when the engine does not have it.
func (p *Provisioner) ensureImage(ctx context.Context, ref string) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return translateEngineErr(err, appErr.ProvisionFailed, "inspect image failed")
	}
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.ImageMissing, "pull image %s failed", ref)
	}
	defer rc.Close()
	// The pull stream must be drained for the pull to complete.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return appErr.Wrapf(err, appErr.ImageMissing, "pull image %s interrupted", ref)
	}
	return nil
}

// translateEngineErr maps client transport failures to EngineUnreachable
// and everything else to the given code.
func translateEngineErr(err error, code appErr.ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return appErr.Wrapf(err, appErr.EngineUnreachable, "container engine unreachable")
	}
	return appErr.Wrapf(err, code, "%s", msg)
}
