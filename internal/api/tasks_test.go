package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest("POST", url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Access-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", "", dispatch.CreateTaskRequest{
		Params: model.Params{ImageGeneration: &model.ImageGenerationParams{Prompt: "a cat", Iterations: 5}},
		Owner:  "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created idResponse
	decodeJSON(t, resp, &created)
	if created.ID == "" {
		t.Fatal("empty id")
	}

	getResp, err := http.Get(ts.URL + "/v1/tasks/" + created.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}
	var task model.Task
	decodeJSON(t, getResp, &task)

	if task.ID != created.ID || task.Owner != "alice" || task.Prompt != "a cat" {
		t.Errorf("task = %+v", task)
	}
	if task.Status.State != model.StateNew {
		t.Errorf("state = %q, want new", task.Status.State)
	}
	if task.Params.ImageGeneration.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", task.Params.ImageGeneration.Iterations)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"params":`},
		{"missing params", `{}`},
		{"empty prompt", `{"params":{"image_generation":{"prompt":""}}}`},
		{"too many iterations", `{"params":{"image_generation":{"prompt":"x","iterations":9999}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGenerateAndListTasks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/generate", "", dispatch.GenerateImageRequest{Prompt: "a dog"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	for _, p := range []string{"one", "two"} {
		resp := postJSON(t, ts.URL+"/v1/tasks", "", dispatch.CreateTaskRequest{Params: model.PromptParams(p), Owner: "bob"})
		resp.Body.Close()
	}

	listResp, err := http.Get(ts.URL + "/v1/tasks?owner=bob")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", listResp.StatusCode)
	}
	var list dispatch.ListTasksResponse
	decodeJSON(t, listResp, &list)
	if len(list.Tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(list.Tasks))
	}

	noOwner, err := http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer noOwner.Body.Close()
	if noOwner.StatusCode != http.StatusBadRequest {
		t.Errorf("list without owner status = %d, want 400", noOwner.StatusCode)
	}
}
