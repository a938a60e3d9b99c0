package deps

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

// DefaultInstallTimeout bounds installs for script-language package
// managers; profiles with slower resolvers override it in the table.
const DefaultInstallTimeout = 120 * time.Second

const logExcerptBytes = 2048

// Sandbox is the container surface the installer needs.
type Sandbox interface {
	RunCommand(ctx context.Context, handle provisioner.Handle, cmd string, env []string) (provisioner.ExecResult, error)
	CopyTo(ctx context.Context, handle provisioner.Handle, dstPath string, content io.Reader) error
	CopyFrom(ctx context.Context, handle provisioner.Handle, srcPath string) (io.ReadCloser, error)
}

// Installer runs language package managers inside session containers.
// Completion is judged solely by the tool's exit status; log output is
// collected only for diagnostics.
type Installer struct {
	sandbox Sandbox
	cache   *ArtifactCache
}

// NewInstaller creates an installer backed by the given artifact cache.
// cache may be nil to disable artifact reuse.
func NewInstaller(sandbox Sandbox, cache *ArtifactCache) *Installer {
	return &Installer{sandbox: sandbox, cache: cache}
}

// Install resolves the session's dependencies inside the container.
// It reports whether anything was installed (cache hits count) and returns
// the install tool's log for diagnostics.
func (i *Installer) Install(ctx context.Context, handle provisioner.Handle, prof profile.Profile, manifest, cacheKey string) (bool, string, error) {
	if manifest == "" {
		return false, "", nil
	}
	if prof.InstallCmd == "" {
		return false, "", appErr.New(appErr.UnsupportedOp).
			WithMessage("language has no install command: " + prof.Language)
	}

	if i.cache != nil {
		hit, err := i.cache.Restore(ctx, i.sandbox, handle, prof, cacheKey)
		if err != nil {
			logger.Warn(ctx, "dependency cache restore failed, installing from scratch",
				zap.String("session_id", handle.SessionID), zap.Error(err))
		} else if hit {
			return true, "restored from dependency cache", nil
		}
	}

	timeout := DefaultInstallTimeout
	if prof.InstallTimeoutSec > 0 {
		timeout = time.Duration(prof.InstallTimeoutSec) * time.Second
	}
	installCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := i.sandbox.RunCommand(installCtx, handle, prof.InstallCmd, prof.Env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(installCtx.Err(), context.DeadlineExceeded) {
			return false, result.Output, appErr.New(appErr.InstallTimeout).
				WithMessage("dependency install exceeded " + timeout.String())
		}
		return false, result.Output, appErr.Wrapf(err, appErr.InstallFailed, "run install command failed")
	}
	if result.ExitCode != 0 {
		return false, result.Output, classifyInstallFailure(result.Output, result.ExitCode)
	}

	logger.Info(ctx, "dependencies installed",
		zap.String("session_id", handle.SessionID),
		zap.String("language", prof.Language),
		zap.Duration("elapsed", time.Since(started)))

	if i.cache != nil {
		if err := i.cache.Populate(ctx, i.sandbox, handle, prof, cacheKey); err != nil {
			logger.Warn(ctx, "dependency cache populate failed",
				zap.String("session_id", handle.SessionID), zap.Error(err))
		}
	}
	return true, result.Output, nil
}

var networkMarkers = []string{
	"temporary failure in name resolution",
	"could not resolve",
	"getaddrinfo",
	"eai_again",
	"enotfound",
	"network is unreachable",
	"connection timed out",
	"connection refused",
	"etimedout",
	"transfer failed for",
	"proxy",
}

var resolveMarkers = []string{
	"no matching distribution",
	"could not find a version",
	"eresolve",
	"404 not found",
	"could not find artifact",
	"could not resolve dependencies",
	"unable to find",
	"not found in remotes",
	"version range",
	"conflict",
}

// classifyInstallFailure distinguishes network/DNS failures from
// resolution failures so callers can hint at retrying versus fixing the
// manifest. The exit status already decided failure; the log only refines
// the error class.
func classifyInstallFailure(log string, exitCode int) error {
	lower := strings.ToLower(log)
	code := appErr.InstallFailed
	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			code = appErr.InstallNetworkFailed
			break
		}
	}
	if code == appErr.InstallFailed {
		for _, marker := range resolveMarkers {
			if strings.Contains(lower, marker) {
				code = appErr.InstallResolveFailed
				break
			}
		}
	}
	return appErr.New(code).
		WithMessage("dependency install failed").
		WithDetail("exit_code", exitCode).
		WithDetail("log", tailExcerpt(log))
}

// tailExcerpt keeps the end of the log, where package managers print the
// actionable error.
func tailExcerpt(log string) string {
	if len(log) <= logExcerptBytes {
		return log
	}
	return "..." + log[len(log)-logExcerptBytes:]
}
