package provisioner

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"

	appErr "codedock/pkg/errors"
)

// CopyTo extracts a tar stream into dstPath inside the container.
// Transfer is byte-for-byte; submitted content never passes through a shell.
func (p *Provisioner) CopyTo(ctx context.Context, handle Handle, dstPath string, content io.Reader) error {
	err := p.cli.CopyToContainer(ctx, handle.ContainerID, dstPath, content, container.CopyToContainerOptions{})
	if err != nil {
		return translateEngineErr(err, appErr.WorkspaceWriteFailed, "copy into container failed")
	}
	return nil
}

// CopyFrom returns a tar stream of srcPath from the container.
func (p *Provisioner) CopyFrom(ctx context.Context, handle Handle, srcPath string) (io.ReadCloser, error) {
	rc, _, err := p.cli.CopyFromContainer(ctx, handle.ContainerID, srcPath)
	if err != nil {
		return nil, translateEngineErr(err, appErr.WorkspaceWriteFailed, "copy from container failed")
	}
	return rc, nil
}
