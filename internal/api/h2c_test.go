package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

// TestSinglePortServesGRPCAndHTTP checks that one listener answers both
// gRPC (over h2c) and plain HTTP/1.1.
func TestSinglePortServesGRPCAndHTTP(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	ctx := context.Background()

	producer, err := dispatch.Dial(ts.URL, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer producer.Close()

	created, err := producer.GenerateImage(ctx, &dispatch.GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage over gRPC: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/tasks/" + created.ID)
	if err != nil {
		t.Fatalf("GET over HTTP: %v", err)
	}
	var task model.Task
	decodeJSON(t, resp, &task)
	if task.ID != created.ID {
		t.Errorf("HTTP task id = %q, want %q", task.ID, created.ID)
	}

	_, err = producer.GetTaskToRun(ctx, &dispatch.GetTaskToRunRequest{WorkerID: "w1"})
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("GetTaskToRun without token code = %v, want Unauthenticated", status.Code(err))
	}

	worker, err := dispatch.Dial(addr, testToken)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer worker.Close()

	run, err := worker.GetTaskToRun(ctx, &dispatch.GetTaskToRunRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if run.TaskToRun == nil || run.TaskToRun.ID != created.ID {
		t.Errorf("task_to_run = %+v, want %s", run.TaskToRun, created.ID)
	}
}
