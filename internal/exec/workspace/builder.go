// Package workspace materializes submitted file trees and custom libraries
// inside the sandbox container.
package workspace

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

// Sandbox is the container surface the builder needs.
type Sandbox interface {
	CopyTo(ctx context.Context, handle provisioner.Handle, dstPath string, content io.Reader) error
	RunCommand(ctx context.Context, handle provisioner.Handle, cmd string, env []string) (provisioner.ExecResult, error)
}

// Builder writes workspaces into containers via tar transfer.
type Builder struct {
	sandbox Sandbox
}

// NewBuilder creates a workspace builder.
func NewBuilder(sandbox Sandbox) *Builder {
	return &Builder{sandbox: sandbox}
}

// Materialize writes every submitted file, byte-for-byte, into the
// container's workspace root, creating intermediate directories as needed.
func (b *Builder) Materialize(ctx context.Context, handle provisioner.Handle, files []model.ProjectFile) error {
	if len(files) == 0 {
		return appErr.ValidationError("files", "required")
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		if err := ValidateRelPath(f.Path); err != nil {
			return err
		}
		entries = append(entries, entry{path: f.Path, content: f.Content})
	}
	buf, err := buildTar(entries)
	if err != nil {
		return err
	}
	if err := b.sandbox.CopyTo(ctx, handle, provisioner.WorkDir, buf); err != nil {
		return err
	}
	logger.Debug(ctx, "workspace materialized",
		zap.String("session_id", handle.SessionID), zap.Int("files", len(files)))
	return nil
}

// StageLibraries writes resolved custom libraries into the staging area,
// grouped by inferred target. The staging area is outside the workspace so
// dependency installs cannot overwrite it.
func (b *Builder) StageLibraries(ctx context.Context, handle provisioner.Handle, libs []model.CustomLibrary) error {
	if len(libs) == 0 {
		return nil
	}
	if res, err := b.sandbox.RunCommand(ctx, handle, "mkdir -p "+provisioner.StagingDir, nil); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return appErr.Newf(appErr.WorkspaceWriteFailed, "create staging dir failed: %s", excerpt(res.Output))
	}

	entries := make([]entry, 0, len(libs))
	for _, lib := range libs {
		if err := ValidateRelPath(lib.Filename); err != nil {
			return err
		}
		entries = append(entries, entry{
			path:    path.Join(targetSubdir(lib.Target), lib.Filename),
			content: lib.Content,
		})
	}
	buf, err := buildTar(entries)
	if err != nil {
		return err
	}
	return b.sandbox.CopyTo(ctx, handle, provisioner.StagingDir, buf)
}

// MergeLibraries runs after dependency install for languages whose install
// step would otherwise overwrite injected packages. npm tarballs are
// unpacked into node_modules; python wheels are installed user-local.
func (b *Builder) MergeLibraries(ctx context.Context, handle provisioner.Handle, prof profile.Profile, libs []model.CustomLibrary) error {
	if len(libs) == 0 {
		return nil
	}
	var cmds []string
	switch prof.Language {
	case "javascript":
		if hasTarget(libs, model.TargetNodeModule) {
			dir := TargetDir(model.TargetNodeModule)
			cmds = append(cmds, fmt.Sprintf(
				`mkdir -p node_modules && for f in %s/*.tgz; do [ -e "$f" ] || continue; pkg=$(basename "$f" .tgz); rm -rf "node_modules/$pkg" && mkdir -p "node_modules/$pkg" && tar -xzf "$f" -C "node_modules/$pkg" --strip-components=1; done`,
				dir))
		}
	case "python":
		if hasTarget(libs, model.TargetPythonWheel) {
			dir := TargetDir(model.TargetPythonWheel)
			cmds = append(cmds, fmt.Sprintf(
				`for f in %s/*; do [ -e "$f" ] || continue; pip install --user --no-cache-dir "$f"; done`,
				dir))
		}
	default:
		// Java jars and native libraries are referenced in place from the
		// staging area by the command builder.
		return nil
	}
	for _, cmd := range cmds {
		res, err := b.sandbox.RunCommand(ctx, handle, cmd, nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return appErr.Newf(appErr.WorkspaceWriteFailed, "merge custom libraries failed: %s", excerpt(res.Output))
		}
	}
	return nil
}

// TargetDir returns the absolute staging directory for one library target.
func TargetDir(t model.LibraryTarget) string {
	return provisioner.StagingDir + "/" + targetSubdir(t)
}

// StagingPaths reports which staging directories are populated by libs.
// Unpopulated targets return empty strings so the command builder skips them.
func StagingPaths(libs []model.CustomLibrary) (nodeModules, javaLib, nativeLib, nativeInclude, pythonWheels string) {
	for _, lib := range libs {
		switch lib.Target {
		case model.TargetNodeModule:
			nodeModules = TargetDir(model.TargetNodeModule)
		case model.TargetJavaLib:
			javaLib = TargetDir(model.TargetJavaLib)
		case model.TargetNativeLib:
			nativeLib = TargetDir(model.TargetNativeLib)
		case model.TargetNativeInclude:
			nativeInclude = TargetDir(model.TargetNativeInclude)
		case model.TargetPythonWheel:
			pythonWheels = TargetDir(model.TargetPythonWheel)
		}
	}
	return
}

func targetSubdir(t model.LibraryTarget) string {
	switch t {
	case model.TargetNodeModule:
		return "node_modules"
	case model.TargetJavaLib:
		return "java"
	case model.TargetNativeLib:
		return "lib"
	case model.TargetNativeInclude:
		return "include"
	case model.TargetPythonWheel:
		return "wheels"
	}
	return "misc"
}

func hasTarget(libs []model.CustomLibrary, t model.LibraryTarget) bool {
	for _, lib := range libs {
		if lib.Target == t {
			return true
		}
	}
	return false
}

func excerpt(s string) string {
	const max = 512
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
