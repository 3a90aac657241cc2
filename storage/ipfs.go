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
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// IPFSBackend archives documents in an IPFS node. Documents are written to
// the node's MFS at {root}/{type}/{content id} and pinned through it.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend talks to the IPFS HTTP API at host:port.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs host is empty", interfaces.ErrInvalidLocationURI)
	}
	apiAddr := fmt.Sprintf("%s:%s", host, port)

	root = "/" + strings.Trim(root, "/")
	if root == "/" {
		root = "/oidfed"
	}

	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		apiAddr:     apiAddr,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiAddr, root, timeout),
	}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	mfsPath := b.mfsPath(id, contentType)

	reader, err := b.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", mfsPath),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	// MFS content is not verified by the node against our hash.
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("content at %s does not match its id", mfsPath)
	}
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	mfsPath := b.mfsPath(id, contentType)

	err := b.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("%w: failed to write to IPFS: %v", interfaces.ErrBackendUnavailable, err)
	}

	stat, err := b.shell.FilesStat(ctx, mfsPath)
	if err != nil {
		b.log.Debug("Stored content in IPFS, stat failed", slog.String("path", mfsPath), "err", err)
		return id, nil
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", mfsPath),
		slog.String("ipfsCID", stat.Hash))

	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddr)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.root, contentType.String(), id.String())
}
