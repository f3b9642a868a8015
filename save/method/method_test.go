package method

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/sinspired/clash-probe/config"
)

func TestLocalSaver(t *testing.T) {
	dir := t.TempDir()
	saver := NewLocalSaver(dir)

	if err := saver.Save(context.Background(), []byte("plan: probe\n"), "selection.yaml"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "selection.yaml"))
	if err != nil || string(got) != "plan: probe\n" {
		t.Errorf("got %q, %v", got, err)
	}

	for _, name := range []string{"", "../x.yaml", "a/b.yaml"} {
		if err := saver.Save(context.Background(), []byte("x"), name); err == nil {
			t.Errorf("filename %q 应被拒绝", name)
		}
	}
	if err := saver.Save(context.Background(), nil, "empty.yaml"); err == nil {
		t.Error("空数据应被拒绝")
	}
}

func TestWebDAVUploader(t *testing.T) {
	webdavRetryDelay = 0
	var calls atomic.Int32
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if r.Method != http.MethodPut || !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/dav/selection.yaml" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := &config.Config{WebDAVURL: srv.URL + "/dav/", WebDAVUsername: "u", WebDAVPassword: "p"}
	up, err := NewWebDAVUploader(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := up.Save(context.Background(), []byte("names: [a]\n"), "selection.yaml"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 || body != "names: [a]\n" {
		t.Errorf("calls=%d body=%q", calls.Load(), body)
	}

	if _, err := NewWebDAVUploader(&config.Config{WebDAVURL: srv.URL}); err == nil {
		t.Error("缺少凭证应返回错误")
	}
}

func TestS3Config(t *testing.T) {
	if err := ValiS3Config(&config.Config{S3Endpoint: "x"}); err == nil {
		t.Error("expected error")
	}

	tests := []struct {
		raw    string
		ssl    bool
		host   string
		secure bool
	}{
		{"https://abc.r2.cloudflarestorage.com", false, "abc.r2.cloudflarestorage.com", true},
		{"http://127.0.0.1:9000/", true, "127.0.0.1:9000", false},
		{"minio.local:9000", true, "minio.local:9000", true},
	}
	for _, tt := range tests {
		host, secure := splitEndpoint(tt.raw, tt.ssl)
		if host != tt.host || secure != tt.secure {
			t.Errorf("splitEndpoint(%q) = %s %v", tt.raw, host, secure)
		}
	}

	if bucketLookup("PATH") != minio.BucketLookupPath || bucketLookup("") != minio.BucketLookupAuto {
		t.Error("bucketLookup")
	}

	up, err := NewS3Uploader(&config.Config{S3Endpoint: "http://127.0.0.1:9000", S3AccessID: "id", S3SecretKey: "key", S3Bucket: "b"})
	if err != nil || up.bucket != "b" {
		t.Errorf("NewS3Uploader = %v, %v", up, err)
	}
}
