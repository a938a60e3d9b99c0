package workspace

import (
	"archive/tar"
	"bytes"
	"path"
	"sort"
	"strings"
	"time"

	appErr "codedock/pkg/errors"
)

// entry is one file destined for the tar stream.
type entry struct {
	path    string
	content []byte
	mode    int64
}

// ValidateRelPath rejects paths that are absolute, empty, or escape the
// workspace root through "..".
func ValidateRelPath(p string) error {
	if p == "" {
		return appErr.ValidationError("path", "required")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return appErr.Newf(appErr.PathEscapesWorkspace, "path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return appErr.Newf(appErr.PathEscapesWorkspace, "path %q escapes the workspace root", p)
	}
	return nil
}

// buildTar produces a tar stream of the entries, creating every implied
// intermediate directory first. Content is carried verbatim.
func buildTar(entries []entry) (*bytes.Buffer, error) {
	now := time.Now()
	dirs := make(map[string]bool)
	for _, e := range entries {
		for d := path.Dir(e.path); d != "." && d != "/"; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirList {
		hdr := &tar.Header{
			Name:     d + "/",
			Typeflag: tar.TypeDir,
			Mode:     0755,
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceWriteFailed, "write tar dir %s failed", d)
		}
	}
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     e.path,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(e.content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceWriteFailed, "write tar header %s failed", e.path)
		}
		if _, err := tw.Write(e.content); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceWriteFailed, "write tar content %s failed", e.path)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, appErr.Wrap(err, appErr.WorkspaceWriteFailed)
	}
	return &buf, nil
}
