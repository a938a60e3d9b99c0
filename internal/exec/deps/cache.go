package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"codedock/internal/common/cache"
	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

const (
	artifactSuffix = ".tar.zst"
	tempSuffix     = ".tmp"
	lockKeyPrefix  = "exec:depcache:lock:"
	lockTTL        = 5 * time.Minute
)

// CacheKey derives the shared-cache key for a dependency set. Identical
// declared dependencies and manifest bytes map to the same key regardless
// of map iteration or file order.
func CacheKey(language string, dependencies map[string]string, files []model.ProjectFile, manifestName string) string {
	hasher := sha256.New()
	hasher.Write([]byte(language))
	hasher.Write([]byte{0})

	pairs := make([]string, 0, len(dependencies))
	for name, version := range dependencies {
		pairs = append(pairs, name+"="+version)
	}
	sort.Strings(pairs)
	hasher.Write([]byte(strings.Join(pairs, "\n")))
	hasher.Write([]byte{0})

	if manifestName != "" {
		for _, f := range files {
			if f.Path == manifestName {
				hasher.Write([]byte(manifestName))
				hasher.Write([]byte{0})
				hasher.Write(f.Content)
				break
			}
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// ArtifactCache stores install artifacts as zstd-compressed tar archives on
// a shared volume, one file per (language, dependency-set) key. A per-key
// advisory lock keeps concurrent first-time installs from racing to write
// the same artifact.
type ArtifactCache struct {
	rootDir  string
	lock     cache.LockOps
	lockWait time.Duration
}

// NewArtifactCache creates an artifact cache rooted at rootDir. lock may be
// nil, which disables cross-instance serialization (writes degrade to
// last-writer-wins).
func NewArtifactCache(rootDir string, lock cache.LockOps, lockWait time.Duration) *ArtifactCache {
	if lockWait <= 0 {
		lockWait = 30 * time.Second
	}
	return &ArtifactCache{rootDir: rootDir, lock: lock, lockWait: lockWait}
}

func (c *ArtifactCache) artifactPath(language, key string) string {
	return filepath.Join(c.rootDir, language, key+artifactSuffix)
}

// Restore copies a cached artifact into the container when present.
// It reports whether the key hit.
func (c *ArtifactCache) Restore(ctx context.Context, sandbox Sandbox, handle provisioner.Handle, prof profile.Profile, key string) (bool, error) {
	if c == nil || c.rootDir == "" || key == "" {
		return false, nil
	}
	src := c.artifactPath(prof.Language, key)
	file, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.CacheError, "open cached artifact failed")
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "create zstd reader failed")
	}
	defer zr.Close()

	// The archive was captured from CacheDir, so it unpacks under its parent.
	if err := sandbox.CopyTo(ctx, handle, path.Dir(prof.CacheDir), zr); err != nil {
		return false, err
	}
	logger.Debug(ctx, "dependency cache hit",
		zap.String("session_id", handle.SessionID),
		zap.String("language", prof.Language),
		zap.String("cache_key", key))
	return true, nil
}

// Populate captures the container's install output directory into the cache.
// Failures are reported but never fail the session; the install itself
// already succeeded.
func (c *ArtifactCache) Populate(ctx context.Context, sandbox Sandbox, handle provisioner.Handle, prof profile.Profile, key string) error {
	if c == nil || c.rootDir == "" || key == "" || prof.CacheDir == "" {
		return nil
	}
	dst := c.artifactPath(prof.Language, key)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	if c.lock != nil {
		lockKey := lockKeyPrefix + prof.Language + ":" + key
		locked, err := c.lock.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire dependency cache lock failed")
		}
		if !locked {
			// Another session is writing this key. Wait for it rather than
			// producing a second copy of the same artifact.
			return c.waitForArtifact(ctx, dst)
		}
		defer func() {
			_ = c.lock.Unlock(ctx, lockKey)
		}()
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create cache dir failed")
	}

	reader, err := sandbox.CopyFrom(ctx, handle, prof.CacheDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	tempPath := dst + tempSuffix
	if err := writeCompressed(tempPath, reader); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, dst); err != nil {
		_ = os.Remove(tempPath)
		return appErr.Wrapf(err, appErr.CacheError, "publish cached artifact failed")
	}
	logger.Info(ctx, "dependency cache populated",
		zap.String("language", prof.Language),
		zap.String("cache_key", key))
	return nil
}

func (c *ArtifactCache) waitForArtifact(ctx context.Context, path string) error {
	deadline := time.Now().Add(c.lockWait)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for dependency cache timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func writeCompressed(dstPath string, src io.Reader) error {
	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create artifact file failed")
	}
	defer file.Close()

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create zstd writer failed")
	}
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.CacheError, "write artifact failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "flush artifact failed")
	}
	return nil
}
