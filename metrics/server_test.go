package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServer_Metrics(t *testing.T) {
	c := NewCollector()
	c.ObserveRepair("vae", true)

	ts := httptest.NewServer(NewServer(c, nil, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := `picgo_component_repairs_total{component="vae",result="success"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics body missing %q", want)
	}
}

func TestServer_Health(t *testing.T) {
	health := func() Health {
		return Health{State: "loaded", Model: "sdxl.safetensors", Device: "cuda:0", Queue: 1}
	}
	ts := httptest.NewServer(NewServer(nil, health, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var got Health
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.State != "loaded" || got.Queue != 1 {
		t.Errorf("health = %+v", got)
	}

	// No collector means no /metrics route.
	resp2, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("/metrics without collector = %d, want 404", resp2.StatusCode)
	}
}
