package proxies

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const clashSub = `proxies:
  - {name: "🇭🇰 HK 01", type: ss, server: 1.1.1.1, port: 8388, cipher: aes-128-gcm, password: pw}
  - {name: "🇭🇰 HK 01 copy", type: ss, server: 1.1.1.1, port: 8388, cipher: aes-128-gcm, password: pw}
  - {name: "🇯🇵 JP 01", type: trojan, server: jp.example.com, port: "443", password: pw}
  - {name: "🇯🇵 JP 01", type: trojan, server: jp2.example.com, port: 443, password: pw}
  - {name: "🇺🇸 US 01", type: vmess, server: us.example.com, port: 443, uuid: 8a8d4c5e-0000-4000-8000-000000000000, cipher: auto, alterId: 0}
  - {type: ss, server: 2.2.2.2, port: 1}
`

func TestParseProxies(t *testing.T) {
	got, err := ParseProxies([]byte(clashSub))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("len = %d", len(got))
	}

	list, err := ParseProxies([]byte("- {name: a, type: ss, server: 1.1.1.1, port: 1}\n- {name: b, type: ss, server: 1.1.1.2, port: 2}\n"))
	if err != nil || len(list) != 2 {
		t.Errorf("yaml list = %v, %v", list, err)
	}

	uris, err := ParseProxies([]byte("trojan://secret@example.com:443?sni=example.com#node1\n"))
	if err != nil || len(uris) != 1 {
		t.Fatalf("uri list = %v, %v", uris, err)
	}
	p, ok := toProxy(uris[0], "sub")
	if !ok || p.Name != "node1" || p.Type != "trojan" || p.Port != 443 || p.Server != "example.com" {
		t.Errorf("proxy = %+v", p)
	}
}

func TestFetcherCollect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			w.Write([]byte(clashSub))
		case "/b":
			w.Write([]byte("proxies:\n  - {name: b1, type: ss, server: 3.3.3.3, port: 1, password: x}\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(2*time.Second, 1, 0, nil)
	got := f.Collect(context.Background(), []Provider{
		{Name: "A", URL: srv.URL + "/a"},
		{Name: "gone", URL: srv.URL + "/gone"},
		{Name: "B", URL: srv.URL + "/b"},
	})

	var names []string
	for _, p := range got {
		names = append(names, p.Provider+":"+p.Name)
	}
	want := []string{"A:🇭🇰 HK 01", "A:🇯🇵 JP 01", "A:🇺🇸 US 01", "B:b1"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if got[1].Port != 443 || got[1].Server != "jp.example.com" {
		t.Errorf("jp = %+v", got[1])
	}

	f.NodeType = []string{"ss"}
	got = f.Collect(context.Background(), []Provider{{Name: "A", URL: srv.URL + "/a"}})
	if len(got) != 1 || got[0].Type != "ss" {
		t.Errorf("node-type filter = %+v", got)
	}
}

func TestFetcherRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(2*time.Second, 3, 10*time.Millisecond, nil)
	if _, err := f.Fetch(context.Background(), Provider{Name: "x", URL: srv.URL + "/flaky"}); err == nil {
		t.Fatal("expected error")
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("临时错误应重试, hits = %d", n)
	}

	hits.Store(0)
	if _, err := f.Fetch(context.Background(), Provider{Name: "x", URL: srv.URL + "/gone"}); err == nil {
		t.Fatal("expected error")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("失效链接不应重试, hits = %d", n)
	}
}

func TestFetcherCacheFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "cache.yaml")
	if err := os.WriteFile(path, []byte(clashSub), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(2*time.Second, 1, 0, nil)
	got, err := f.Fetch(context.Background(), Provider{Name: "A", URL: srv.URL, Path: path})
	if err != nil {
		t.Fatal(err)
	}
	// 缺少名称的节点被跳过
	if len(got) != 5 {
		t.Errorf("len = %d", len(got))
	}
}

func TestDeduplicateProxies(t *testing.T) {
	list := []Proxy{
		{Name: "a", Type: "ss", Server: "1.1.1.1", Port: 1, Mapping: map[string]any{"password": "x"}},
		{Name: "b", Type: "ss", Server: "1.1.1.1", Port: 1, Mapping: map[string]any{"password": "x"}},
		{Name: "c", Type: "ss", Server: "1.1.1.1", Port: 1, Mapping: map[string]any{"password": "y"}},
		{Name: "a", Type: "ss", Server: "9.9.9.9", Port: 1},
		{Name: "d"},
	}
	got := DeduplicateProxies(list)
	if len(got) != 3 || got[0].Name != "a" || got[1].Name != "c" || got[2].Name != "d" {
		t.Errorf("got %+v", got)
	}
}

func TestParseClashProviders(t *testing.T) {
	dir := t.TempDir()
	cfg := `proxy-providers:
  zeta:
    type: http
    url: https://example.com/z
    path: ./providers/zeta.yaml
  alpha:
    type: http
    url: https://example.com/a
  local:
    type: file
    path: ./local.yaml
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ParseClashProviders(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Fatalf("providers = %+v", got)
	}
	if got[1].Path != filepath.Join(dir, "providers", "zeta.yaml") {
		t.Errorf("path = %s", got[1].Path)
	}

	if f := FilterProviders(got, []string{"zeta", "nope"}); len(f) != 1 || f[0].Name != "zeta" {
		t.Errorf("filter = %+v", f)
	}
	if f := FilterProviders(got, nil); len(f) != 2 {
		t.Errorf("filter all = %+v", f)
	}

	if _, err := ParseClashProviders(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error")
	}
}
