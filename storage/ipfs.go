package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/secretvault/interfaces"
)

// IPFSBackend keeps blobs in the mutable file system (MFS) of an IPFS node,
// below a root directory. Blocks written to MFS may be provided to the
// network, so it should only be pointed at nodes of a private swarm.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a backend for the node API at host (host:port) that
// stores under the MFS directory root.
func NewIPFSBackend(host, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs host is required", interfaces.ErrInvalidLocationURI)
	}
	root = "/" + strings.Trim(root, "/")

	sh := shell.NewShell(host)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", host, root),
	}, nil
}

func (b *IPFSBackend) mfsPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid key %q", interfaces.ErrInvalidRequest, key)
	}
	return path.Join(b.root, clean), nil
}

func isMissing(err error) bool {
	return strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found")
}

// Fetch reads the MFS file of key.
func (b *IPFSBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	p, err := b.mfsPath(key)
	if err != nil {
		return nil, err
	}

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if isMissing(err) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read from IPFS",
			slog.String("path", p),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store replaces the MFS file of key, creating parent directories.
func (b *IPFSBackend) Store(ctx context.Context, key string, data []byte) error {
	p, err := b.mfsPath(key)
	if err != nil {
		return err
	}

	err = b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		b.log.Error("Failed to write to IPFS",
			slog.String("path", p),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *IPFSBackend) Delete(ctx context.Context, key string) error {
	p, err := b.mfsPath(key)
	if err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, p, true); err != nil && !isMissing(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks if the IPFS node answers.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s%s", b.host, b.root)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
