package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// constantRateServer 以固定速率无限输出数据
func constantRateServer(chunk int, every time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, chunk)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if _, err := w.Write(buf); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}))
}

func TestCheckSpeedStopsAtDuration(t *testing.T) {
	srv := constantRateServer(16*1024, 10*time.Millisecond)
	defer srv.Close()

	const window = 400 * time.Millisecond
	start := time.Now()
	speed, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, window)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("CheckSpeed error: %v", err)
	}
	if elapsed > window+300*time.Millisecond {
		t.Errorf("测速耗时 %v，超过窗口 %v", elapsed, window)
	}

	// 16KB / 10ms = 1600 KB/s
	const trueRate = 1600.0
	if speed < trueRate*0.25 || speed > trueRate*1.5 {
		t.Errorf("speed = %.0f KB/s, 期望接近 %.0f", speed, trueRate)
	}
	t.Logf("speed=%.0f KB/s elapsed=%v", speed, elapsed)
}

func TestCheckSpeedConvergesWithDuration(t *testing.T) {
	srv := constantRateServer(16*1024, 10*time.Millisecond)
	defer srv.Close()

	windows := []time.Duration{time.Second, 2 * time.Second}
	rates := make([]float64, len(windows))
	bytes := make([]float64, len(windows))
	for i, w := range windows {
		speed, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, w)
		if err != nil {
			t.Fatalf("CheckSpeed(%v) error: %v", w, err)
		}
		rates[i] = speed
		bytes[i] = speed * w.Seconds()
		t.Logf("window=%v speed=%.0f KB/s bytes=%.0f KB", w, speed, bytes[i])
	}

	// 速率不随时长变化，传输量随时长线性增长
	if diff := rates[1]/rates[0] - 1; diff < -0.3 || diff > 0.3 {
		t.Errorf("speed %.0f vs %.0f KB/s, 相差超过 30%%", rates[0], rates[1])
	}
	if ratio := bytes[1] / bytes[0]; ratio < 1.5 || ratio > 2.6 {
		t.Errorf("传输量比例 = %.2f, 期望接近 2", ratio)
	}
}

func TestCheckSpeedSmallBodyCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	start := time.Now()
	speed, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("CheckSpeed error: %v", err)
	}
	if speed <= 0 {
		t.Errorf("speed = %v", speed)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("小文件下载完成后应立即返回")
	}
}

func TestCheckSpeedNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, time.Second)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	if Reason(err) != "no data" {
		t.Errorf("reason = %q", Reason(err))
	}
}

func TestCheckSpeedBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, time.Second)
	if err == nil || err.Error() != "HTTP 403" {
		t.Fatalf("err = %v, want HTTP 403", err)
	}
}

func TestCheckSpeedHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	start := time.Now()
	_, err := CheckSpeed(context.Background(), srv.Client(), srv.URL, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("超时返回过慢: %v", time.Since(start))
	}
}

func TestResolveFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"targets":[{"url":"https://ipv4-c001.oca.nflxvideo.net/speedtest?x=1"}]}`))
		case "/empty":
			w.Write([]byte(`{"targets":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got, err := resolveFast(context.Background(), srv.Client(), srv.URL+"/ok")
	if err != nil || !strings.HasPrefix(got, "https://ipv4-c001") {
		t.Fatalf("resolveFast = %q, %v", got, err)
	}

	for _, path := range []string{"/empty", "/missing"} {
		_, err := resolveFast(context.Background(), srv.Client(), srv.URL+path)
		if !IsSkipped(err) {
			t.Errorf("%s: err = %v, 应为 ErrResolve", path, err)
		}
	}
}

func TestServiceLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized) // API 未带密钥也算可达
	}))
	defer srv.Close()

	v, err := KindLatency.Strategy()(context.Background(), srv.Client(), srv.URL, 0)
	if err != nil {
		t.Fatalf("latency strategy error: %v", err)
	}
	if v < 30 {
		t.Errorf("latency = %.1fms, 应不小于 30ms", v)
	}
}
