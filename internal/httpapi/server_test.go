package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"chatty/internal/metricsreg"
	"chatty/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "chatty.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(); s.Close() })
	return s
}

func TestHealthzAndStats(t *testing.T) {
	st := openTestStore(t)
	if err := st.InsertUser("alice", 5); err != nil {
		t.Fatal(err)
	}

	api := New(st, metricsreg.New())
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", healthResp.StatusCode)
	}

	statsResp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer statsResp.Body.Close()
	var stats statsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.NUsers != 1 || stats.NOnline != 1 {
		t.Fatalf("unexpected stats payload: %#v", stats)
	}
}

func TestBackupEndpoint(t *testing.T) {
	st := openTestStore(t)
	api := New(st, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "out.db")
	body, _ := json.Marshal(backupRequest{Path: dest})
	resp, err := http.Post(ts.URL+"/admin/backup", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /admin/backup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
