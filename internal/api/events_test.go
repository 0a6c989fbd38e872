package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

type sseEvent struct {
	name string
	data string
}

// readSSE parses named events from an SSE body until EOF.
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedTask(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	task := model.NewTask("", model.PromptParams("a cat"))
	if err := srv.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := srv.store.ClaimNextTask(ctx, "w1"); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if err := srv.store.ReportFinished(ctx, task.ID, "w1", []byte("png")); err != nil {
		t.Fatalf("ReportFinished: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + task.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(t, resp)
	if len(events) != 2 || events[0].name != "status" || events[1].name != "done" {
		t.Fatalf("events = %+v, want status then done", events)
	}
	var st model.Status
	if err := json.Unmarshal([]byte(events[0].data), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != model.StateFinished {
		t.Errorf("state = %q, want finished", st.State)
	}
}

func TestStreamEventsFollowsProgress(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := srv.service.GenerateImage(ctx, &dispatch.GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/tasks/"+created.ID+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The handler has subscribed once it has sent headers.
	for srv.service.Broker().Subscribers(created.ID) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := srv.service.GetTaskToRun(ctx, &dispatch.GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	for step := uint32(1); step <= 3; step++ {
		if _, err := srv.service.UpdateTaskStatus(ctx, dispatch.ProgressStatus(created.ID, "w1", step, 3)); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}
	if _, err := srv.service.UpdateTaskStatus(ctx, dispatch.FailedStatus(created.ID, "w1", "out of memory")); err != nil {
		t.Fatalf("failed: %v", err)
	}

	events := readSSE(t, resp)
	var states []string
	for _, e := range events {
		if e.name != "status" {
			continue
		}
		var st model.Status
		if err := json.Unmarshal([]byte(e.data), &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		states = append(states, st.State)
	}

	want := []string{"new", "in_progress", "in_progress", "in_progress", "in_progress", "failed"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", states, want)
	}
	if last := events[len(events)-1]; last.name != "done" {
		t.Errorf("last event = %q, want done", last.name)
	}
}
