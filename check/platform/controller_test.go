package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sinspired/clash-probe/config"
	proxies "github.com/sinspired/clash-probe/proxy"
)

func newFakeController(t *testing.T) (*httptest.Server, *[]string, *sync.Mutex) {
	t.Helper()
	var (
		mu       sync.Mutex
		switches []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /proxies/{name}/delay", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("timeout") != "2000" {
			http.Error(w, "bad timeout", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("url") == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}
		switch r.PathValue("name") {
		case "🇭🇰 HK 01":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"delay":123}`))
		case "slow":
			w.WriteHeader(http.StatusGatewayTimeout)
			w.Write([]byte(`{"message":"Timeout"}`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("PUT /proxies/{group}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		switches = append(switches, r.PathValue("group")+"="+body.Name)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meta":true,"version":"v1.19.21"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &switches, &mu
}

func TestControllerDelay(t *testing.T) {
	srv, _, _ := newFakeController(t)
	c := NewController(srv.URL, "")

	d, err := c.Delay(context.Background(), "🇭🇰 HK 01", "https://cp.cloudflare.com/generate_204", 2*time.Second)
	if err != nil {
		t.Fatalf("Delay error: %v", err)
	}
	if d != 123*time.Millisecond {
		t.Errorf("delay = %v, want 123ms", d)
	}

	_, err = c.Delay(context.Background(), "slow", "https://cp.cloudflare.com/generate_204", 2*time.Second)
	if err == nil || err.Error() != "HTTP 504" {
		t.Errorf("err = %v, want HTTP 504", err)
	}

	if err := c.CheckVersion(context.Background()); err != nil {
		t.Errorf("CheckVersion: %v", err)
	}
}

func TestControllerDelayTransportError(t *testing.T) {
	c := NewController("127.0.0.1:1", "")
	_, err := c.Delay(context.Background(), "x", "https://cp.cloudflare.com/generate_204", 500*time.Millisecond)
	if err == nil {
		t.Fatal("期望连接失败")
	}
	if Reason(err) == "" || len([]rune(Reason(err))) > maxReasonLen {
		t.Errorf("reason = %q", Reason(err))
	}
}

func TestControllerTunnelSerializesLane(t *testing.T) {
	srv, switches, mu := newFakeController(t)

	tunnel, err := NewControllerTunnel([]config.Controller{
		{API: srv.URL, SocksAddr: "127.0.0.1:1", Group: "CLASH_PROBE_TEST"},
	}, "https://cp.cloudflare.com/generate_204", 10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tunnel.Lanes() != 1 {
		t.Fatalf("lanes = %d", tunnel.Lanes())
	}

	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Go(func() {
			route, err := tunnel.Acquire(context.Background(), proxies.Proxy{Name: name})
			if err != nil {
				t.Errorf("Acquire %s: %v", name, err)
				return
			}
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			route.Release()
			route.Release() // 重复归还不影响
		})
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("同一控制面被两个探测同时持有")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*switches) != 4 {
		t.Errorf("switches = %v", *switches)
	}
}

func TestControllerTunnelAcquireCanceled(t *testing.T) {
	srv, _, _ := newFakeController(t)
	tunnel, err := NewControllerTunnel([]config.Controller{{API: srv.URL, SocksAddr: "127.0.0.1:1"}},
		"https://cp.cloudflare.com/generate_204", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	held, err := tunnel.Acquire(context.Background(), proxies.Proxy{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tunnel.Acquire(ctx, proxies.Proxy{Name: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestLookupSource(t *testing.T) {
	for alias, want := range map[string]string{"cf": "cachefly", "GH": "github", "claude": "anthropic", "npm": "npm"} {
		got, ok := LookupSource(alias)
		if !ok || got.Name != want {
			t.Errorf("LookupSource(%q) = %v, %v", alias, got.Name, ok)
		}
	}
	if _, ok := LookupSource("nope"); ok {
		t.Error("未知源应返回 false")
	}

	light := TierTargets(TierLight)
	if len(light) != 2 || light[0].Name != "cachefly" || light[1].Name != "npm" {
		t.Errorf("light tier = %v", light)
	}
	large := TierTargets(TierLarge)
	if len(large) != 7 || !large[len(large)-1].Dynamic {
		t.Errorf("large tier = %v", large)
	}
	if k, _ := LookupSource("openai"); !k.Kind.LowerIsBetter() {
		t.Error("openai 应为延迟类源")
	}
}
