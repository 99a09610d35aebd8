package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveRequest("/info", 200, 10*time.Millisecond)
	m.ObserveRequest("/info", 200, 20*time.Millisecond)
	m.ObserveRequest("/info", 404, time.Millisecond)
	m.AddRelayed("stream", 1024)
	m.AddRelayed("stream", 0)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.ObserveUpstream("ok", 50*time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/info", "200")); got != 2 {
		t.Errorf("requests{/info,200} = %v", got)
	}
	if got := testutil.ToFloat64(m.relayedBytes.WithLabelValues("stream")); got != 1024 {
		t.Errorf("relayed bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("cache misses = %v", got)
	}
	if got := testutil.CollectAndCount(m.upstreamDuration); got != 1 {
		t.Errorf("upstream series = %d", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/", 200, time.Second)
	m.AddRelayed("download", 1)
	m.CacheHit()
	m.CacheMiss()
	m.ObserveUpstream("ok", time.Second)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CacheHit()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `teraproxy_cache_lookups_total{result="hit"} 1`) {
		t.Errorf("exposition missing cache counter:\n%s", body)
	}
}
