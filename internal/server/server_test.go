package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/db"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/server"
	"reviewline/internal/template"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	eng    engine.Engine
	client *http.Client
	close  func()
}

func testTemplate() *template.Template {
	return &template.Template{
		Name: "Two Stage Review",
		Stages: []template.Stage{
			{Number: 1, Name: "Development", Groups: []template.Group{{
				Name: "Build",
				Questions: []template.Question{
					{Text: "Code compiles"},
					{Text: "Tests pass"},
				},
			}}},
			{Number: 2, Name: "Release", Groups: []template.Group{{
				Name: "Ship",
				Questions: []template.Question{
					{Text: "Changelog written"},
				},
			}}},
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	if err := eng.Repo.SaveTemplate(context.Background(), testTemplate(), "tester", "2024-05-01T12:00:00Z"); err != nil {
		t.Fatalf("save template: %v", err)
	}

	h, err := server.New(server.Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)

	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		eng:    eng,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func actorHeaders(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestReviewWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Create and start a project.
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects",
		map[string]any{"name": "Pump Station QA"}, actorHeaders("lead"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status=%d body=%s", resp.StatusCode, data)
	}
	var project struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if project.Status != "pending" {
		t.Fatalf("new project status: %s", project.Status)
	}

	base := ts.URL + "/v0/projects/" + project.ID
	resp, data = doJSON(t, ts.client, http.MethodPost, base+"/start", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d body=%s", resp.StatusCode, data)
	}
	var phases []struct {
		Number int    `json:"number"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("decode phases: %v", err)
	}
	if len(phases) != 2 || phases[0].Status != "in_progress" {
		t.Fatalf("unexpected phases: %+v", phases)
	}

	// Fetching the checklist materializes it lazily.
	resp, data = doJSON(t, ts.client, http.MethodGet, base+"/phases/1/checklist", nil, actorHeaders("exec-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checklist: status=%d body=%s", resp.StatusCode, data)
	}
	var checklist struct {
		CurrentIteration int `json:"current_iteration"`
		Groups           []struct {
			Questions []struct {
				ID   string `json:"id"`
				Text string `json:"text"`
			} `json:"questions"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(data, &checklist); err != nil {
		t.Fatalf("decode checklist: %v", err)
	}
	if checklist.CurrentIteration != 1 || len(checklist.Groups[0].Questions) != 2 {
		t.Fatalf("unexpected checklist: %s", data)
	}

	// Both roles answer; one disagreement.
	resp, data = doJSON(t, ts.client, http.MethodPut, base+"/phases/1/answers", map[string]any{
		"role": "executor",
		"answers": []map[string]any{
			{"question": "Code compiles", "answer": "Yes"},
			{"question": "Tests pass", "answer": "No"},
		},
	}, actorHeaders("exec-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("executor answers: status=%d body=%s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, ts.client, http.MethodPut, base+"/phases/1/answers", map[string]any{
		"role": "reviewer",
		"answers": []map[string]any{
			{"question": "Code compiles", "answer": "Yes"},
			{"question": "Tests pass", "answer": "Yes"},
		},
	}, actorHeaders("rev-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reviewer answers: status=%d body=%s", resp.StatusCode, data)
	}

	// Reviewer submission accumulates the mismatch.
	resp, data = doJSON(t, ts.client, http.MethodPost, base+"/phases/1/submit",
		map[string]any{"role": "reviewer"}, actorHeaders("rev-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: status=%d body=%s", resp.StatusCode, data)
	}
	var submit struct {
		Accumulated  bool `json:"accumulated"`
		DefectsAdded int  `json:"defects_added"`
		Approval     struct {
			ReviewerSubmitted bool `json:"reviewer_submitted"`
		} `json:"approval"`
	}
	if err := json.Unmarshal(data, &submit); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if !submit.Accumulated || submit.DefectsAdded != 1 || !submit.Approval.ReviewerSubmitted {
		t.Fatalf("unexpected submit result: %s", data)
	}

	// Revert archives the cycle.
	resp, data = doJSON(t, ts.client, http.MethodPost, base+"/phases/1/approval/revert",
		map[string]any{"notes": "tests disagree"}, actorHeaders("rev-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revert: status=%d body=%s", resp.StatusCode, data)
	}
	var revert struct {
		IterationNumber  int `json:"iteration_number"`
		CurrentIteration int `json:"current_iteration"`
		ConflictCount    int `json:"conflict_count"`
		Approval         struct {
			Status      string `json:"status"`
			RevertCount int    `json:"revert_count"`
		} `json:"approval"`
	}
	if err := json.Unmarshal(data, &revert); err != nil {
		t.Fatalf("decode revert: %v", err)
	}
	if revert.IterationNumber != 1 || revert.CurrentIteration != 2 || revert.ConflictCount != 1 {
		t.Fatalf("unexpected revert: %s", data)
	}
	if revert.Approval.Status != "reverted_to_executor" || revert.Approval.RevertCount != 1 {
		t.Fatalf("unexpected approval after revert: %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, base+"/phases/1/iterations", nil, actorHeaders("rev-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("iterations: status=%d body=%s", resp.StatusCode, data)
	}
	var history struct {
		CurrentIteration int `json:"current_iteration"`
		Iterations       []struct {
			Number int `json:"number"`
		} `json:"iterations"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if history.CurrentIteration != 2 || len(history.Iterations) != 1 {
		t.Fatalf("unexpected history: %s", data)
	}

	// Approve completes phase 1 and activates phase 2.
	resp, data = doJSON(t, ts.client, http.MethodPost, base+"/phases/1/approval/approve", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status=%d body=%s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, ts.client, http.MethodGet, base+"/phases", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("phases: status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("decode phases: %v", err)
	}
	if phases[0].Status != "completed" || phases[1].Status != "in_progress" {
		t.Fatalf("phase statuses after approve: %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, base+"/analysis", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analysis: status=%d body=%s", resp.StatusCode, data)
	}
}

func TestLeaderRevertReturnsForbidden(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects",
		map[string]any{"name": "Forbidden"}, actorHeaders("lead"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d", resp.StatusCode)
	}
	var project struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := ts.URL + "/v0/projects/" + project.ID
	if resp, _ = doJSON(t, ts.client, http.MethodPost, base+"/start", nil, actorHeaders("lead")); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d", resp.StatusCode)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, base+"/phases/1/approval/leader-revert",
		map[string]any{"notes": "override"}, actorHeaders("leader-1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("leader revert: status=%d body=%s", resp.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if env.Error.Code != "leader_revert_disabled" {
		t.Fatalf("error code: %s", data)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	// Empty body is rejected before validation.
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: status=%d body=%s", resp.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if env.Error.Code != "bad_request" {
		t.Fatalf("error code: %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/missing", nil, actorHeaders("lead"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project: status=%d body=%s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("error code: %s", data)
	}

	// Phase 1 exists in the template but the project was never started.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects",
		map[string]any{"name": "Unstarted"}, actorHeaders("lead"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d", resp.StatusCode)
	}
	var project struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("decode: %v", err)
	}
	url := fmt.Sprintf("%s/v0/projects/%s/phases/1/checklist", ts.URL, project.ID)
	resp, data = doJSON(t, ts.client, http.MethodGet, url, nil, actorHeaders("exec-1"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("checklist of unstarted project: status=%d body=%s", resp.StatusCode, data)
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)

	// Health is open.
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status=%d", resp.StatusCode)
	}

	// Everything else requires a principal.
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: status=%d body=%s", resp.StatusCode, data)
	}

	// A signed bearer token works.
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, "exec-1")}
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer: status=%d body=%s", resp.StatusCode, data)
	}

	// A garbage token is rejected.
	headers = map[string]string{"Authorization": "Bearer not-a-token"}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, headers)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status=%d", resp.StatusCode)
	}
}
