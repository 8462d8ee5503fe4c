package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stepd/internal/dispatch"
	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/protocol"
	"github.com/mattjoyce/stepd/internal/steplog"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type startCall struct {
	id    string
	kind  string
	jobID uint32
}

// fakeRunner implements StepRunner for testing
type fakeRunner struct {
	mu      sync.Mutex
	live    map[string]protocol.StepReport
	block   bool
	started chan startCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		live:    make(map[string]protocol.StepReport),
		started: make(chan startCall, 8),
	}
}

func (f *fakeRunner) run(ctx context.Context, kind string, jobID uint32) *protocol.StepReport {
	id, _ := dispatch.InstanceIDFrom(ctx)
	f.started <- startCall{id: id, kind: kind, jobID: jobID}
	rep := &protocol.StepReport{ID: id, Kind: kind, JobID: jobID, State: "completed"}
	if f.block {
		<-ctx.Done()
		rep.State = "failed"
		rep.FailureKind = "canceled"
	}
	return rep
}

func (f *fakeRunner) LaunchTasks(ctx context.Context, req *protocol.LaunchTasksRequest) *protocol.StepReport {
	return f.run(ctx, "launch", req.JobID)
}

func (f *fakeRunner) SpawnTask(ctx context.Context, req *protocol.SpawnTaskRequest) *protocol.StepReport {
	return f.run(ctx, "spawn", req.JobID)
}

func (f *fakeRunner) LaunchBatchJob(ctx context.Context, req *protocol.BatchJobLaunchRequest) *protocol.StepReport {
	return f.run(ctx, "batch", req.JobID)
}

func (f *fakeRunner) Live(id string) (protocol.StepReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.live[id]
	return rep, ok
}

func (f *fakeRunner) LiveSteps() []protocol.StepReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.StepReport, 0, len(f.live))
	for _, rep := range f.live {
		out = append(out, rep)
	}
	return out
}

// fakeLog implements StepLog for testing
type fakeLog struct {
	steps   map[string]*protocol.StepReport
	listErr error
}

func (f *fakeLog) Get(_ context.Context, id string) (*protocol.StepReport, error) {
	rep, ok := f.steps[id]
	if !ok {
		return nil, steplog.ErrNotFound
	}
	return rep, nil
}

func (f *fakeLog) Recent(_ context.Context, jobID uint32, limit int) ([]*protocol.StepReport, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*protocol.StepReport
	for _, rep := range f.steps {
		if jobID == 0 || rep.JobID == jobID {
			out = append(out, rep)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg Config, runner *fakeRunner, steps StepLog, hub *events.Hub) *Server {
	t.Helper()
	s := New(cfg, runner, steps, hub, log.WithComponent("api"))
	t.Cleanup(s.Drain)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const launchBody = `{"protocol":1,"job_id":12,"node_id":0,"node_count":1,"proc_count":1,
"credentials":{"uid":1000,"gid":1000},"step_id":3,"argv":["/bin/true"],"tasks":[{"gid":0}]}`

func TestHealthz(t *testing.T) {
	runner := newFakeRunner()
	runner.live["a"] = protocol.StepReport{ID: "a"}
	s := newTestServer(t, Config{NodeName: "cn01", Token: "secret"}, runner, nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "cn01", resp.Node)
	assert.Equal(t, 1, resp.LiveSteps)
}

func TestLaunchAccepted(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer(t, Config{}, runner, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/steps/launch", launchBody, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "launch", resp.Kind)
	assert.Equal(t, uint32(12), resp.JobID)

	select {
	case call := <-runner.started:
		assert.Equal(t, resp.ID, call.id, "the step runs under the id handed back")
		assert.Equal(t, "launch", call.kind)
	case <-time.After(2 * time.Second):
		t.Fatal("step was never started")
	}
}

func TestSpawnAndBatchAccepted(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer(t, Config{}, runner, nil, nil)

	spawn := `{"protocol":1,"job_id":5,"node_count":1,"proc_count":1,"credentials":{"uid":1,"gid":1},
"step_id":0,"argv":["/bin/true"],"task":{"gid":0}}`
	batch := `{"protocol":1,"job_id":6,"node_count":1,"proc_count":1,"credentials":{"uid":1,"gid":1},
"script":"#!/bin/sh\ntrue\n"}`

	for path, body := range map[string]string{"/v1/steps/spawn": spawn, "/v1/steps/batch": batch} {
		rec := do(t, s.Handler(), http.MethodPost, path, body, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, path)
	}

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case call := <-runner.started:
			kinds[call.kind] = true
		case <-time.After(2 * time.Second):
			t.Fatal("step was never started")
		}
	}
	assert.Equal(t, map[string]bool{"spawn": true, "batch": true}, kinds)
}

func TestLaunchRejectsMalformedBodies(t *testing.T) {
	s := newTestServer(t, Config{}, newFakeRunner(), nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"protocol":1,"job_id":1,"bogus":true}`},
		{"wrong version", `{"protocol":9,"job_id":1}`},
		{"trailing data", `{"protocol":1,"job_id":1} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/steps/launch", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetStep(t *testing.T) {
	runner := newFakeRunner()
	runner.live["running-one"] = protocol.StepReport{ID: "running-one", State: "running"}
	store := &fakeLog{steps: map[string]*protocol.StepReport{
		"done-one": {ID: "done-one", State: "failed", FailureKind: "timeout"},
	}}
	s := newTestServer(t, Config{}, runner, store, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/steps/running-one", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Live)
	assert.Equal(t, "running", resp.Step.State)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/steps/done-one", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = StepResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Live)
	assert.Equal(t, "timeout", resp.Step.FailureKind)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/steps/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSteps(t *testing.T) {
	runner := newFakeRunner()
	runner.live["l1"] = protocol.StepReport{ID: "l1", JobID: 7}
	runner.live["l2"] = protocol.StepReport{ID: "l2", JobID: 8}
	store := &fakeLog{steps: map[string]*protocol.StepReport{
		"d1": {ID: "d1", JobID: 7},
		"d2": {ID: "d2", JobID: 9},
	}}
	s := newTestServer(t, Config{}, runner, store, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/steps?job=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StepsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Live, 1)
	assert.Equal(t, "l1", resp.Live[0].ID)
	require.Len(t, resp.Recent, 1)
	assert.Equal(t, "d1", resp.Recent[0].ID)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/steps?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s.Handler(), http.MethodGet, "/v1/steps?job=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.listErr = errors.New("disk gone")
	rec = do(t, s.Handler(), http.MethodGet, "/v1/steps", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	s := newTestServer(t, Config{Token: "s3cret"}, newFakeRunner(), nil, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/steps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/steps", "", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/steps", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/steps", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, ValidateToken("a", "a"))
	assert.False(t, ValidateToken("", ""))
	assert.False(t, ValidateToken("ab", "a"))
}

func TestDrainCancelsStepsAndRefusesNewOnes(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	s := New(Config{}, runner, nil, nil, log.WithComponent("api"))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/steps/launch", launchBody, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-runner.started

	drained := make(chan struct{})
	go func() {
		s.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not wait out the canceled step")
	}

	rec = do(t, s.Handler(), http.MethodPost, "/v1/steps/launch", launchBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// readFrames reads SSE frames from url until n data lines have arrived.
func readFrames(t *testing.T, url string, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data: ") {
			n--
			if n == 0 {
				break
			}
		}
	}
	return lines
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeTransition, events.Transition{Instance: "x", JobID: 1, From: "received", To: "validated"})

	s := newTestServer(t, Config{}, newFakeRunner(), nil, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	lines := readFrames(t, srv.URL+"/events", 1)
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "retry: 3000", lines[0])
	assert.Equal(t, "id: 1", lines[2])
	assert.Equal(t, "event: step.transition", lines[3])
	assert.Contains(t, lines[4], `"to":"validated"`)
}

func TestEventsJobFilter(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeTransition, events.Transition{Instance: "a", JobID: 1, From: "received", To: "validated"})
	hub.Publish(events.TypeTransition, events.Transition{Instance: "b", JobID: 2, From: "received", To: "validated"})
	hub.Publish(events.TypeCompleted, map[string]any{"id": "b", "job_id": 2, "state": "completed"})

	s := newTestServer(t, Config{}, newFakeRunner(), nil, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	lines := readFrames(t, srv.URL+"/events?job=2", 2)
	joined := strings.Join(lines, "\n")
	assert.NotContains(t, joined, `"instance":"a"`)
	assert.Contains(t, joined, "id: 2")
	assert.Contains(t, joined, "event: step.completed")

	rec := do(t, s.Handler(), http.MethodGet, "/events?job=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	s := newTestServer(t, Config{}, newFakeRunner(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
