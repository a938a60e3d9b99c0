package library

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"codedock/internal/common/storage"
	"codedock/internal/exec/model"
	appErr "codedock/pkg/errors"
)

// DefaultMaxLibraryBytes caps a single custom library blob. Anything larger
// is rejected before the body is pulled into memory.
const DefaultMaxLibraryBytes = 64 << 20

// Resolver fetches project-scoped custom library blobs from object storage
// and classifies them by install target.
type Resolver struct {
	storage        storage.ObjectStorage
	bucket         string
	maxBytes       int64
	storageTimeout time.Duration
}

// NewResolver creates a Resolver over the given storage bucket.
func NewResolver(store storage.ObjectStorage, bucket string, maxBytes int64, storageTimeout time.Duration) *Resolver {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLibraryBytes
	}
	return &Resolver{
		storage:        store,
		bucket:         bucket,
		maxBytes:       maxBytes,
		storageTimeout: storageTimeout,
	}
}

// ObjectKey returns the storage key for a project library blob.
func ObjectKey(projectID int64, filename string) string {
	return fmt.Sprintf("projects/%d/libraries/%s", projectID, filename)
}

// TargetFor infers the install target from the library filename.
func TargetFor(filename string) (model.LibraryTarget, error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".tgz"):
		return model.TargetNodeModule, nil
	case strings.HasSuffix(name, ".jar"):
		return model.TargetJavaLib, nil
	case strings.HasSuffix(name, ".whl"), strings.HasSuffix(name, ".tar.gz"):
		return model.TargetPythonWheel, nil
	case strings.HasSuffix(name, ".so"), strings.HasSuffix(name, ".a"):
		return model.TargetNativeLib, nil
	case strings.HasSuffix(name, ".h"), strings.HasSuffix(name, ".hpp"):
		return model.TargetNativeInclude, nil
	default:
		return "", appErr.New(appErr.InvalidFormat).
			WithMessage(fmt.Sprintf("unrecognized library type: %s", filename))
	}
}

// Resolve fetches every referenced library and returns them in request order.
// A missing blob fails the whole batch; a partially staged library set would
// only surface as a confusing install error later.
func (r *Resolver) Resolve(ctx context.Context, refs []model.LibraryRef) ([]model.CustomLibrary, error) {
	libs := make([]model.CustomLibrary, 0, len(refs))
	for _, ref := range refs {
		lib, err := r.fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

func (r *Resolver) fetch(ctx context.Context, ref model.LibraryRef) (model.CustomLibrary, error) {
	filename := path.Base(ref.Filename)
	if filename == "" || filename == "." || filename == "/" {
		return model.CustomLibrary{}, appErr.New(appErr.InvalidParams).
			WithMessage("library filename is required")
	}
	target, err := TargetFor(filename)
	if err != nil {
		return model.CustomLibrary{}, err
	}

	key := ObjectKey(ref.ProjectID, filename)
	ctxStorage := ctx
	if r.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, r.storageTimeout)
		defer cancel()
	}

	stat, err := r.storage.StatObject(ctxStorage, r.bucket, key)
	if err != nil {
		return model.CustomLibrary{}, appErr.Wrapf(err, appErr.LibraryNotFound,
			"library %s not found for project %d", filename, ref.ProjectID)
	}
	if stat.SizeBytes > r.maxBytes {
		return model.CustomLibrary{}, appErr.New(appErr.LibraryTooLarge).
			WithMessage(fmt.Sprintf("library %s is %d bytes, limit is %d", filename, stat.SizeBytes, r.maxBytes))
	}

	reader, err := r.storage.GetObject(ctxStorage, r.bucket, key)
	if err != nil {
		return model.CustomLibrary{}, appErr.Wrapf(err, appErr.LibraryFetchFailed,
			"download library %s failed", key)
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, r.maxBytes+1))
	if err != nil {
		return model.CustomLibrary{}, appErr.Wrapf(err, appErr.LibraryFetchFailed,
			"read library %s failed", key)
	}
	if int64(len(content)) > r.maxBytes {
		return model.CustomLibrary{}, appErr.New(appErr.LibraryTooLarge).
			WithMessage(fmt.Sprintf("library %s exceeds %d bytes", filename, r.maxBytes))
	}

	return model.CustomLibrary{
		ProjectID: ref.ProjectID,
		Filename:  filename,
		Content:   content,
		Target:    target,
	}, nil
}
