package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/planrunner/internal/backend/backendtest"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

const testProject = "acme"

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`backend:
  baseUrl: %s
  timeout: 5s
polling:
  interval: 10ms
  errorBackoff: 10ms
  maxErrorBackoff: 50ms
logging:
  level: error
`, baseURL)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planrunner.yaml"), []byte(content), 0o644))
	return dir
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setup(t *testing.T) (*backendtest.Backend, string) {
	t.Helper()
	b := backendtest.New()
	srv := backendtest.NewServer(t, b)
	return b, writeConfig(t, srv.URL)
}

func TestInit_WritesValidConfig(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", dir, "--base-url", "https://plans.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "planrunner.yaml")

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://plans.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "3s", cfg.Polling.Interval)
}

func TestInit_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	_, err = execute(t, "init", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "init", dir, "--force")
	assert.NoError(t, err)
}

func TestTrigger_WaitPrintsResult(t *testing.T) {
	b, dir := setup(t)
	b.QueueJobIDs("J1")
	b.Script("J1",
		types.Job{Status: types.JobRunning, Progress: 40},
		types.Job{Status: types.JobCompleted, Progress: 100, Result: json.RawMessage(`{"summary":"ready"}`)},
	)
	body := writeFile(t, "body.json", `{"idea":"coffee subscriptions"}`)

	out, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "1", "--body", body, "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "job=J1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, `"summary": "ready"`)

	calls := b.CreateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, testProject, calls[0].ProjectID)
	assert.Equal(t, "/phases/1/jobs", calls[0].Endpoint)
	assert.Equal(t, "coffee subscriptions", calls[0].Body["idea"])
}

func TestTrigger_WaitAdoptsSnapshotResult(t *testing.T) {
	b, dir := setup(t)
	b.QueueJobIDs("J5")
	b.Script("J5", types.Job{Status: types.JobCompleted, Progress: 100})
	b.SetPhaseResult(testProject, types.PhaseFinancialModel, `{"npv":1200}`)
	body := writeFile(t, "body.yaml", "parameters:\n  horizon: 36\n")

	out, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "5", "--body", body, "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, `"npv": 1200`)
}

func TestTrigger_MissingRequiredField(t *testing.T) {
	b, dir := setup(t)
	body := writeFile(t, "body.json", `{"market":"EU"}`)

	out, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "2", "--body", body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idea")
	assert.Contains(t, out, "failed")
	assert.Empty(t, b.CreateCalls())
}

func TestTrigger_JobFailureIsReported(t *testing.T) {
	b, dir := setup(t)
	b.QueueJobIDs("J3")
	b.Script("J3", types.Job{Status: types.JobFailed, ErrorMsg: "model overloaded"})
	body := writeFile(t, "body.json", `{"segments":["smb"]}`)

	out, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "3", "--body", body, "--wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Contains(t, out, "failed")
}

func TestTrigger_TransientFailureSuggestsRetry(t *testing.T) {
	b, dir := setup(t)
	b.FailNextCreate(errors.New("queue full"))
	body := writeFile(t, "body.json", `{"format":"pdf"}`)

	_, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "6", "--body", body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safe to retry")
}

func TestTrigger_UnknownPhase(t *testing.T) {
	b, dir := setup(t)
	body := writeFile(t, "body.json", `{}`)

	_, err := execute(t, "--config", dir, "trigger", "--project", testProject, "--phase", "9", "--body", body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase 9 is not configured")
	assert.Empty(t, b.CreateCalls())
}

func TestPhases_ListsTable(t *testing.T) {
	_, dir := setup(t)

	out, err := execute(t, "--config", dir, "phases")
	require.NoError(t, err)
	assert.Contains(t, out, "market-research")
	assert.Contains(t, out, "/phases/5/jobs")
	assert.Contains(t, out, "idea,market")
	assert.Less(t, strings.Index(out, "market-research"), strings.Index(out, "plan-document"))
}

func TestStatus_PrintsJob(t *testing.T) {
	b, dir := setup(t)
	b.Script("J9", types.Job{Status: types.JobRunning, Progress: 60})

	out, err := execute(t, "--config", dir, "status", "J9")
	require.NoError(t, err)
	assert.Contains(t, out, "Job: J9")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "60%")
}

func TestState_FansOutOverProjects(t *testing.T) {
	b, dir := setup(t)
	b.SetPhaseResult("alpha", types.PhaseMarketResearch, `{"tam":10}`)
	b.SetPhaseResult("beta", types.PhaseGoToMarket, `{"channels":["seo"]}`)

	out, err := execute(t, "--config", dir, "state", "--project", "alpha", "--project", "beta", "--full")
	require.NoError(t, err)

	alpha := strings.Index(out, "Project: alpha")
	beta := strings.Index(out, "Project: beta")
	require.GreaterOrEqual(t, alpha, 0)
	require.Greater(t, beta, alpha)
	assert.Contains(t, out, "phase 1")
	assert.Contains(t, out, "phase 4")
	assert.Contains(t, out, `"tam": 10`)
	assert.Contains(t, out, "pending")
	assert.Equal(t, 1, b.StateFetches("alpha"))
	assert.Equal(t, 1, b.StateFetches("beta"))
}

func TestState_EmptyProject(t *testing.T) {
	_, dir := setup(t)

	out, err := execute(t, "--config", dir, "state", "--project", "fresh")
	require.NoError(t, err)
	assert.Contains(t, out, "no phase results yet")
}

func TestWatch_FollowsEveryJob(t *testing.T) {
	b, dir := setup(t)
	b.Script("J1",
		types.Job{Status: types.JobRunning, Progress: 50},
		types.Job{Status: types.JobCompleted, Progress: 100, Result: json.RawMessage(`{"tam":10}`)},
	)
	b.Script("J6", types.Job{Status: types.JobCompleted, Progress: 100})
	b.SetPhaseResult(testProject, types.PhasePlanDocument, `{"pages":42}`)

	out, err := execute(t, "--config", dir, "watch", "--project", testProject, "--job", "1=J1", "--job", "6=J6")
	require.NoError(t, err)
	assert.Contains(t, out, "job=J1")
	assert.Contains(t, out, "job=J6")

	_, summary, found := strings.Cut(out, testProject+":\n")
	require.True(t, found, "summary header missing from:\n%s", out)
	assert.Equal(t, 2, strings.Count(summary, "completed"))
}

// stallingWriter lets the held job settle on the first write and returns
// only after the settled state has been applied.
type stallingWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	once    sync.Once
	release func()
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		w.release()
		time.Sleep(300 * time.Millisecond)
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *stallingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestWatch_JobSettlingDuringFirstPrintIsSeen(t *testing.T) {
	b, dir := setup(t)
	release := b.HoldJob("J1")
	t.Cleanup(release)
	b.Script("J1", types.Job{Status: types.JobCompleted, Progress: 100, Result: json.RawMessage(`{"tam":10}`)})

	w := &stallingWriter{release: release}
	root := NewRootCmd("test")
	root.SetOut(w)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", dir, "watch", "--project", testProject, "--job", "1=J1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, root.ExecuteContext(ctx))
	assert.Contains(t, w.String(), "completed")
}

func TestWatch_ReportsFailedJobs(t *testing.T) {
	b, dir := setup(t)
	b.Script("J2", types.Job{Status: types.JobTimeout})

	_, err := execute(t, "--config", dir, "watch", "--project", testProject, "--job", "2=J2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase 2 timeout")
}

func TestParseJobFlags(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[types.Phase]string
		wantErr string
	}{
		{name: "pairs", in: []string{"1=A", "4=B"}, want: map[types.Phase]string{1: "A", 4: "B"}},
		{name: "missing separator", in: []string{"1A"}, wantErr: "PHASE=JOB_ID"},
		{name: "missing job", in: []string{"1="}, wantErr: "PHASE=JOB_ID"},
		{name: "bad phase", in: []string{"x=A"}, wantErr: "invalid phase"},
		{name: "zero phase", in: []string{"0=A"}, wantErr: "invalid phase"},
		{name: "duplicate", in: []string{"1=A", "1=B"}, wantErr: "given twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJobFlags(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadBody(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		body, err := readBody(writeFile(t, "b.yml", "idea: tea\n"), nil)
		require.NoError(t, err)
		assert.Equal(t, "tea", body["idea"])
	})
	t.Run("stdin json", func(t *testing.T) {
		body, err := readBody("-", strings.NewReader(`{"idea":"tea"}`))
		require.NoError(t, err)
		assert.Equal(t, "tea", body["idea"])
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := readBody(writeFile(t, "b.json", "{"), nil)
		assert.ErrorContains(t, err, "parsing body")
	})
}
