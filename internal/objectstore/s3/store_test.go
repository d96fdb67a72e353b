package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shale-io/shale/internal/objectstore"
)

// The tests below run against a MinIO binary at /tmp/minio when present
// and are skipped otherwise.

const testMinioPort = "19000"

var (
	minioProc     *os.Process
	minioDir      string
	minioSkipWhy  string
	minioEndpoint = "http://localhost:" + testMinioPort
)

func TestMain(m *testing.M) {
	if err := startMinio(); err != nil {
		minioSkipWhy = fmt.Sprintf("MinIO not available: %v", err)
	}
	code := m.Run()
	if minioProc != nil {
		_ = minioProc.Kill()
		_, _ = minioProc.Wait()
	}
	if minioDir != "" {
		os.RemoveAll(minioDir)
	}
	os.Exit(code)
}

func startMinio() error {
	const bin = "/tmp/minio"
	if _, err := os.Stat(bin); err != nil {
		return fmt.Errorf("minio binary not found at %s", bin)
	}
	dir, err := os.MkdirTemp("", "minio-data-*")
	if err != nil {
		return err
	}
	minioDir = dir

	cmd := exec.Command(bin, "server", dir, "--address", ":"+testMinioPort, "--quiet")
	cmd.Env = append(os.Environ(), "MINIO_ROOT_USER=minioadmin", "MINIO_ROOT_PASSWORD=minioadmin")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start minio: %w", err)
	}
	minioProc = cmd.Process
	time.Sleep(time.Second)
	return nil
}

func testStore(t *testing.T, bucket string) *Store {
	t.Helper()
	if minioSkipWhy != "" {
		t.Skip(minioSkipWhy)
	}
	ctx := context.Background()
	store, err := New(ctx, Config{
		Bucket:          bucket,
		Endpoint:        minioEndpoint,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	var lastErr error
	for i := 0; i < 30; i++ {
		_, lastErr = store.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		if lastErr == nil || strings.Contains(lastErr.Error(), "BucketAlreadyOwnedByYou") {
			lastErr = nil
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("Failed to create bucket: %v", lastErr)
	}

	t.Cleanup(func() {
		objects, _ := store.List(ctx, "")
		for _, obj := range objects {
			_ = store.Delete(ctx, obj.Key)
		}
		_, _ = store.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		store.Close()
	})
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil || !strings.Contains(err.Error(), "bucket name is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEscapeKey(t *testing.T) {
	if got := escapeKey("tables/1/a b.rf"); got != "tables/1/a%20b.rf" {
		t.Fatalf("escapeKey = %q", got)
	}
}

func TestPutGetHeadDelete(t *testing.T) {
	store := testStore(t, "shale-put-get")
	ctx := context.Background()
	key := "wal/tserver-1/0001.wal"
	data := []byte("hello, wal")

	if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("data mismatch: got %q, want %q", got, data)
	}

	meta, err := store.Head(ctx, key)
	if err != nil || meta.Size != int64(len(data)) {
		t.Fatalf("Head = %+v, %v", meta, err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete should succeed, got %v", err)
	}
	if _, err := store.Head(ctx, key); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndCopy(t *testing.T) {
	store := testStore(t, "shale-list-copy")
	ctx := context.Background()
	for _, k := range []string{"tables/1/t-1/F1.rf", "tables/1/t-1/F2.rf", "tables/2/t-2/F3.rf"} {
		if err := store.Put(ctx, k, strings.NewReader("x"), 1, "application/octet-stream"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	list, err := store.List(ctx, "tables/1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List = %+v", list)
	}

	if err := store.Copy(ctx, "tables/1/t-1/F1.rf", ".trash/tables/1/t-1/F1.rf"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if _, err := store.Head(ctx, ".trash/tables/1/t-1/F1.rf"); err != nil {
		t.Fatalf("copied object missing: %v", err)
	}
	if err := store.Copy(ctx, "tables/9/none", "x"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	store, err := New(context.Background(), Config{Bucket: "b", Endpoint: minioEndpoint})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, objectstore.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
