// Package platform contains the destination adapters that format and publish
// posts, and the media upload orchestrator they share. Adapters classify
// every failure into the post error taxonomy before returning it.
package platform

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/crosspost/backend/telemetry"
)

// Asset is a destination-side handle for an uploaded media file, referenced
// from the publish payload.
type Asset struct {
	ID   string
	Kind string
}

// UploadTransport is the destination-specific half of the upload protocol.
// Register asks the destination for an upload target; Transfer streams the
// bytes to it. Attaching the asset to a post is the adapter's job.
type UploadTransport interface {
	Register(ctx context.Context, size int64, kind string) (uploadURL, assetID string, err error)
	Transfer(ctx context.Context, uploadURL string, body io.Reader, size int64) error
}

// Orchestrator resolves a post's local media references into uploaded
// assets. Any failure aborts the whole resolution: partially registered
// assets are abandoned, and the next dispatch attempt re-registers from
// scratch; destinations treat registration as cheap to repeat.
type Orchestrator struct {
	Transport UploadTransport
	// DataDir anchors relative media references.
	DataDir string
}

// ResolveMedia uploads every referenced file in order and returns the asset
// handles in the same order.
func (o *Orchestrator) ResolveMedia(ctx context.Context, refs []string) ([]Asset, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	assets := make([]Asset, 0, len(refs))
	for _, ref := range refs {
		asset, err := o.uploadOne(ctx, ref)
		if err != nil {
			telemetry.MediaUploadsFailed.Inc()
			return nil, fmt.Errorf("upload %s: %w", ref, err)
		}
		telemetry.MediaUploads.Inc()
		assets = append(assets, asset)
	}
	return assets, nil
}

func (o *Orchestrator) uploadOne(ctx context.Context, ref string) (Asset, error) {
	path := ref
	if !filepath.IsAbs(path) && o.DataDir != "" {
		path = filepath.Join(o.DataDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return Asset{}, fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Asset{}, fmt.Errorf("stat media file: %w", err)
	}
	kind := mediaKind(path)

	start := time.Now()
	uploadURL, assetID, err := o.Transport.Register(ctx, info.Size(), kind)
	if err != nil {
		return Asset{}, fmt.Errorf("register upload: %w", err)
	}
	if err := o.Transport.Transfer(ctx, uploadURL, f, info.Size()); err != nil {
		return Asset{}, fmt.Errorf("transfer bytes: %w", err)
	}
	telemetry.MediaUploadDuration.Observe(time.Since(start).Seconds())
	return Asset{ID: assetID, Kind: kind}, nil
}

// mediaKind derives the declared media kind from the file extension,
// defaulting to a generic binary type.
func mediaKind(path string) string {
	if kind := mime.TypeByExtension(filepath.Ext(path)); kind != "" {
		return kind
	}
	return "application/octet-stream"
}
