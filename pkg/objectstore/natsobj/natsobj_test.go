package natsobj

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsbroker "github.com/fluxorio/claimbridge/pkg/broker/jetstream"
	"github.com/fluxorio/claimbridge/pkg/objectstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	srv, err := jsbroker.RunEmbedded(jsbroker.EmbeddedConfig{StoreDir: t.TempDir(), ReadyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("RunEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	c, err := jsbroker.Connect(jsbroker.Config{URL: srv.ClientURL()}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Conn().Close() })

	s, err := New(context.Background(), c.JetStream(), Config{Bucket: "claims"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "f1.wav")
	if err := os.WriteFile(src, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Upload(ctx, "f1.wav", src); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, err := s.Exists(ctx, "f1.wav"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	dst := filepath.Join(t.TempDir(), "work", "f1.wav")
	if err := s.Download(ctx, "f1.wav", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	b, _ := os.ReadFile(dst)
	if string(b) != "RIFF....WAVE" {
		t.Fatalf("downloaded %q", b)
	}

	if err := s.Delete(ctx, "f1.wav"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Exists(ctx, "f1.wav"); err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "f1.wav"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestStore_DownloadMissing(t *testing.T) {
	s := newTestStore(t)
	dst := filepath.Join(t.TempDir(), "x.wav")

	if err := s.Download(context.Background(), "nope.wav", dst); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination should not exist: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), nil, Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error for nil jetstream")
	}
}
