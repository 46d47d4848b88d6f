//go:build !no_automation

package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"clock-onair/internal/automation"
)

func newScriptTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	be := newTestBackend(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(be.events, mgr, nil, be.tracker.Snapshot, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(be.broker, be.tracker, be.ntp, be.registry, logger,
		WithAutomation(mgr, engine))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, v any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	return resp, m
}

func TestScriptCRUDOverHTTP(t *testing.T) {
	ts := newScriptTestServer(t)

	resp, saved := postJSON(t, ts, "/api/scripts", map[string]any{
		"name":     "Evening Jingle",
		"lua_code": `studio.on("top", function(ev) studio.ordres(2, ev.active) end)`,
		"enabled":  true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, saved)
	}
	id, _ := saved["id"].(string)
	if id != "evening_jingle" {
		t.Fatalf("id = %q, want slug from name", id)
	}

	listResp, err := http.Get(ts.URL + "/api/scripts")
	if err != nil {
		t.Fatal(err)
	}
	var list []map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	listResp.Body.Close()
	if len(list) != 1 || list[0]["id"] != id {
		t.Fatalf("list = %v", list)
	}

	got := getJSON(t, ts, "/api/scripts/"+id)
	meta := got["meta"].(map[string]any)
	if meta["name"] != "Evening Jingle" || meta["enabled"] != true {
		t.Errorf("script = %v", got)
	}
	if !strings.Contains(got["lua_code"].(string), "studio.on") {
		t.Errorf("lua_code = %v", got["lua_code"])
	}

	resp, toggled := postJSON(t, ts, "/api/scripts/"+id+"/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	if toggled["meta"].(map[string]any)["enabled"] != false {
		t.Errorf("toggled = %v, want disabled", toggled)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/scripts/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	goneResp, err := http.Get(ts.URL + "/api/scripts/" + id)
	if err != nil {
		t.Fatal(err)
	}
	goneResp.Body.Close()
	if goneResp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", goneResp.StatusCode)
	}
}

func TestScriptCreateRequiresName(t *testing.T) {
	ts := newScriptTestServer(t)

	resp, _ := postJSON(t, ts, "/api/scripts", map[string]any{"lua_code": "studio.log('x')"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestScriptUpdateReloadsEngine(t *testing.T) {
	ts := newScriptTestServer(t)

	resp, saved := postJSON(t, ts, "/api/scripts", map[string]any{
		"name":     "Relay",
		"lua_code": `studio.on("top", function(ev) studio.ordres(1, true) end)`,
		"enabled":  true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := saved["id"].(string)

	body, _ := json.Marshal(map[string]any{
		"name":     "Relay",
		"lua_code": `studio.on("top", function(ev) studio.ordres(7, true) end)`,
		"enabled":  true,
	})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/scripts/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	updResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer updResp.Body.Close()
	if updResp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", updResp.StatusCode)
	}

	got := getJSON(t, ts, "/api/scripts/"+id)
	if !strings.Contains(got["lua_code"].(string), "studio.ordres(7") {
		t.Errorf("lua_code = %v, want updated body", got["lua_code"])
	}
}
