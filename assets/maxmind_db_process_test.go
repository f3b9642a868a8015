package assets

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestUpdateGeoLite2DB(t *testing.T) {
	payload := bytes.Repeat([]byte("mmdb"), 1024)
	packed := compress(t, payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/country.mmdb.zst":
			w.Write(packed)
		case "/country.mmdb":
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	for _, name := range []string{"/country.mmdb.zst", "/country.mmdb"} {
		dst := filepath.Join(dir, "a", "country.mmdb")
		if err := UpdateGeoLite2DB(context.Background(), srv.URL+name, dst); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("%s: content mismatch", name)
		}
		if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("临时文件未清理: %v", err)
		}
	}

	if err := UpdateGeoLite2DB(context.Background(), srv.URL+"/missing", filepath.Join(dir, "b.mmdb")); err == nil {
		t.Error("expected error for 404")
	}
	if err := UpdateGeoLite2DB(context.Background(), "", filepath.Join(dir, "b.mmdb")); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestOpenMaxMindDB(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenMaxMindDB(filepath.Join(dir, "missing.mmdb"))
	if !errors.Is(err, ErrNoGeoDB) {
		t.Errorf("err = %v, want ErrNoGeoDB", err)
	}

	// 压缩文件先解压到同名 .mmdb，内容无效时打开失败
	zst := filepath.Join(dir, "bad.mmdb.zst")
	if err := os.WriteFile(zst, compress(t, []byte("not a database")), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenMaxMindDB(zst); err == nil || errors.Is(err, ErrNoGeoDB) {
		t.Errorf("err = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "bad.mmdb"))
	if err != nil || string(got) != "not a database" {
		t.Errorf("decompressed = %q, %v", got, err)
	}
}
