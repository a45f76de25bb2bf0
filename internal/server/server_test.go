package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/engine"
	"actionline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func declareAction(t *testing.T, srv *testServer, title string) ActionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"context_id":   "ctx-1",
		"context_type": "project",
		"type":         "task",
		"field_bindings": []map[string]string{
			{"field_key": "title", "value": title},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("declare status %d: %s", res.StatusCode, string(data))
	}
	var created ActionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	return created
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := declareAction(t, srv, "Ship feature")

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/start", map[string]any{
		"note": "kicking off",
	})
	if startRes.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startBody))
	}

	finishRes, finishBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/finish", map[string]any{})
	if finishRes.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", finishRes.StatusCode, string(finishBody))
	}

	viewRes, viewBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+created.ID+"/view", nil)
	if viewRes.StatusCode != http.StatusOK {
		t.Fatalf("view status %d: %s", viewRes.StatusCode, string(viewBody))
	}
	var view ViewBody
	if err := json.Unmarshal(viewBody, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.View.Data.Status != "finished" {
		t.Fatalf("expected finished, got %s", view.View.Data.Status)
	}
	if view.View.Data.Title != "Ship feature" {
		t.Fatalf("title %q", view.View.Data.Title)
	}

	eventsRes, eventsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/action/"+created.ID, nil)
	if eventsRes.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", eventsRes.StatusCode, string(eventsBody))
	}
	var listing struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(eventsBody, &listing); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(listing.Items) != 3 {
		t.Fatalf("expected 3 events, got %d", len(listing.Items))
	}
}

func TestCyclicDependencyConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := declareAction(t, srv, "a")
	b := declareAction(t, srv, "b")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+b.ID+"/dependencies", map[string]any{
		"depends_on_action_id": a.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add dependency: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+a.ID+"/dependencies", map[string]any{
		"depends_on_action_id": b.ID,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "cyclic_dependency" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestUnknownActionNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions/missing/view", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "unknown_action" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestSurfaceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := declareAction(t, srv, "first")
	b := declareAction(t, srv, "second")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+b.ID+"/dependencies", map[string]any{
		"depends_on_action_id": a.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dependency: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contexts/project/ctx-1/surfaces/workflow_table", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("surface: %d %s", res.StatusCode, string(body))
	}
	var surfaceBody SurfaceResponse
	if err := json.Unmarshal(body, &surfaceBody); err != nil {
		t.Fatalf("unmarshal surface: %v", err)
	}
	roots := 0
	children := 0
	for _, n := range surfaceBody.Nodes {
		if n.ParentActionID == nil {
			roots++
		} else {
			children++
		}
	}
	if roots != 2 || children != 1 {
		t.Fatalf("surface shape roots=%d children=%d", roots, children)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/project/ctx-1/surfaces/workflow_table/refresh", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", res.StatusCode, string(body))
	}
}

func TestComposeEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/composer", map[string]any{
		"action": map[string]any{
			"context_id":   "ctx-1",
			"context_type": "project",
			"type":         "task",
			"field_bindings": []map[string]string{
				{"field_key": "title", "value": "Composed"},
			},
		},
		"field_values": []map[string]string{
			{"field_key": "description", "value": "via composer"},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("compose: %d %s", res.StatusCode, string(body))
	}
	var composed ComposeResponse
	if err := json.Unmarshal(body, &composed); err != nil {
		t.Fatalf("unmarshal compose: %v", err)
	}
	if !composed.Success || len(composed.Events) != 2 {
		t.Fatalf("compose result %+v", composed)
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := declareAction(t, srv, "linked")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+a.ID+"/references", map[string]any{
		"source_record_id": "client-7",
		"target_field_key": "name",
		"mode":             "static",
		"snapshot_value":   "Acme Corp",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add reference: %d %s", res.StatusCode, string(body))
	}
	var ref ReferenceResponse
	if err := json.Unmarshal(body, &ref); err != nil {
		t.Fatalf("unmarshal reference: %v", err)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/references/"+ref.ID+"/resolve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(body))
	}
	var resolution ResolutionResponse
	if err := json.Unmarshal(body, &resolution); err != nil {
		t.Fatalf("unmarshal resolution: %v", err)
	}
	if resolution.Drifted {
		t.Fatalf("static reference drifted: %+v", resolution)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+a.ID+"/references/remove", map[string]any{
		"reference_id": ref.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove reference: %d %s", res.StatusCode, string(body))
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"context_id":   "ctx-1",
		"context_type": "project",
		"type":         "task",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}
