package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flowplane/pkg/api"

	"github.com/google/uuid"
)

func testClient(url string) *Client {
	return New(Config{
		BaseURL:        url,
		Token:          "test-token",
		MaxRetries:     2,
		RetryBaseDelay: 1 * time.Millisecond,
	})
}

func TestListDueRuns_Success(t *testing.T) {
	runID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/internal/runs/due") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "3" {
			t.Errorf("expected limit=3, got %s", r.URL.Query().Get("limit"))
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}

		resp := api.ListRunsResponse{Runs: []api.Run{
			{ID: runID, State: api.StateScheduled, StateVersion: 1, ScheduledAt: time.Now()},
		}}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	runs, err := testClient(server.URL).ListDueRuns(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].ID != runID {
		t.Errorf("expected run ID %s, got %s", runID, runs[0].ID)
	}
}

func TestProposeTransition_Accepted(t *testing.T) {
	runID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}

		var req api.ProposeTransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.ExpectedVersion != 2 {
			t.Errorf("expected version 2, got %d", req.ExpectedVersion)
		}
		if req.State != api.StateRunning {
			t.Errorf("expected RUNNING, got %s", req.State)
		}

		resp := api.ProposeTransitionResponse{Run: api.Run{
			ID: runID, State: api.StateRunning, StateVersion: 3,
		}}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	run, err := testClient(server.URL).ProposeTransition(context.Background(), runID, api.ProposeTransitionRequest{
		ExpectedVersion: 2,
		State:           api.StateRunning,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StateVersion != 3 {
		t.Errorf("expected new version 3, got %d", run.StateVersion)
	}
}

func TestProposeTransition_StaleVersion(t *testing.T) {
	runID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rejection := api.TransitionRejection{
			Run:    api.Run{ID: runID, State: api.StateCrashed, StateVersion: 7},
			Detail: "expected version 2, current is 7",
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(rejection)
	}))
	defer server.Close()

	_, err := testClient(server.URL).ProposeTransition(context.Background(), runID, api.ProposeTransitionRequest{
		ExpectedVersion: 2,
		State:           api.StateCompleted,
	})
	if err == nil {
		t.Fatal("expected stale-version error")
	}

	sve, ok := IsStaleVersion(err)
	if !ok {
		t.Fatalf("expected *StaleVersionError, got %T: %v", err, err)
	}
	if sve.Current.State != api.StateCrashed {
		t.Errorf("expected authoritative state CRASHED, got %s", sve.Current.State)
	}
	if sve.Current.StateVersion != 7 {
		t.Errorf("expected authoritative version 7, got %d", sve.Current.StateVersion)
	}
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(api.ListRunsResponse{})
	}))
	defer server.Close()

	_, err := testClient(server.URL).ListDueRuns(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ExhaustedRetriesReturnTransientError(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server.URL).ListDueRuns(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %T: %v", err, err)
	}
	// MaxRetries=2 means 3 attempts total
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).ListDueRuns(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Error("401 should not be classified as transient")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", calls.Load())
	}
}

func TestGetRun_Success(t *testing.T) {
	runID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/internal/runs/"+runID.String()) {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.Run{ID: runID, State: api.StatePending, StateVersion: 4})
	}))
	defer server.Close()

	run, err := testClient(server.URL).GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != api.StatePending || run.StateVersion != 4 {
		t.Errorf("unexpected run: %+v", run)
	}
}
