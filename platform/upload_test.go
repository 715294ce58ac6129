package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/crosspost/backend/telemetry"
)

// scriptedTransport fails registration or transfer at a chosen call index.
type scriptedTransport struct {
	registers     int
	transfers     int
	failRegister  int // 1-based call index to fail, 0 = never
	failTransfer  int
	registeredKB  []int64
	transferredKB []int64
	kinds         []string
}

func (s *scriptedTransport) Register(_ context.Context, size int64, kind string) (string, string, error) {
	s.registers++
	if s.failRegister == s.registers {
		return "", "", errors.New("register refused")
	}
	s.registeredKB = append(s.registeredKB, size)
	s.kinds = append(s.kinds, kind)
	return fmt.Sprintf("upload://slot-%d", s.registers), fmt.Sprintf("asset-%d", s.registers), nil
}

func (s *scriptedTransport) Transfer(_ context.Context, _ string, body io.Reader, size int64) error {
	s.transfers++
	if s.failTransfer == s.transfers {
		return errors.New("transfer reset")
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short body: %d of %d", n, size)
	}
	s.transferredKB = append(s.transferredKB, n)
	return nil
}

func writeMediaFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestResolveMediaNoRefs(t *testing.T) {
	telemetry.Init()
	o := &Orchestrator{Transport: &scriptedTransport{}}
	assets, err := o.ResolveMedia(context.Background(), nil)
	if err != nil {
		t.Fatalf("ResolveMedia: %v", err)
	}
	if assets != nil {
		t.Errorf("expected no assets, got %v", assets)
	}
}

func TestResolveMediaOrderedUpload(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	first := writeMediaFile(t, dir, "one.png", 100)
	second := writeMediaFile(t, dir, "two.mp4", 2048)

	transport := &scriptedTransport{}
	o := &Orchestrator{Transport: transport, DataDir: dir}

	assets, err := o.ResolveMedia(context.Background(), []string{first, second})
	if err != nil {
		t.Fatalf("ResolveMedia: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if assets[0].ID != "asset-1" || assets[1].ID != "asset-2" {
		t.Errorf("assets out of order: %v", assets)
	}
	if transport.registeredKB[0] != 100 || transport.registeredKB[1] != 2048 {
		t.Errorf("registered sizes wrong: %v", transport.registeredKB)
	}
	if transport.kinds[0] != "image/png" {
		t.Errorf("expected image/png for .png, got %s", transport.kinds[0])
	}
}

func TestResolveMediaRegisterFailureAbortsItem(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	first := writeMediaFile(t, dir, "a.png", 10)
	second := writeMediaFile(t, dir, "b.png", 10)

	transport := &scriptedTransport{failRegister: 2}
	o := &Orchestrator{Transport: transport, DataDir: dir}

	assets, err := o.ResolveMedia(context.Background(), []string{first, second})
	if err == nil {
		t.Fatal("expected error when second registration fails")
	}
	if assets != nil {
		t.Errorf("failed resolution must return no assets, got %v", assets)
	}
	// The first asset was uploaded and abandoned; a retry starts over.
	if transport.registers != 2 || transport.transfers != 1 {
		t.Errorf("unexpected call counts: registers=%d transfers=%d", transport.registers, transport.transfers)
	}
}

func TestResolveMediaTransferFailureAbortsItem(t *testing.T) {
	telemetry.Init()
	dir := t.TempDir()
	ref := writeMediaFile(t, dir, "clip.mp4", 64)

	transport := &scriptedTransport{failTransfer: 1}
	o := &Orchestrator{Transport: transport, DataDir: dir}

	if _, err := o.ResolveMedia(context.Background(), []string{ref}); err == nil {
		t.Fatal("expected error when transfer fails")
	}
}

func TestResolveMediaMissingFile(t *testing.T) {
	telemetry.Init()
	o := &Orchestrator{Transport: &scriptedTransport{}, DataDir: t.TempDir()}
	if _, err := o.ResolveMedia(context.Background(), []string{"absent.png"}); err == nil {
		t.Fatal("expected error for missing media file")
	}
}

func TestMediaKind(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"photo.png", "image/png"},
		{"blob.unknownext", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mediaKind(tt.path); got != tt.want {
			t.Errorf("mediaKind(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
