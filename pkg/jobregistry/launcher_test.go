package jobregistry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeSolverScript materializes a shell script standing in for the solver
// binary. Invocations receive: -batch -deck <path> -result <path>, so $3 is
// the deck and $5 is the result path.
func writeSolverScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solver.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write solver script: %v", err)
	}
	return path
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not reach a terminal state in time", job.ID())
	}
}

func launchTestJob(t *testing.T, cfg LauncherConfig, deck string) (*Registry, *Job) {
	t.Helper()
	reg := newTestRegistry(t)
	launcher := NewLauncher(reg, cfg, nil)

	job, err := reg.Create("test-job", deck)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := launcher.Launch(job); err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	return reg, job
}

func TestLauncher_CompletedJob(t *testing.T) {
	solver := writeSolverScript(t, `cat "$3"
printf 'status: ok\ncells: 42\n' > "$5"`)

	reg, job := launchTestJob(t, LauncherConfig{SolverPath: solver}, "TASK NAME:beta\r\nSTEP 1\r\n")
	waitDone(t, job)

	rec := job.Record()
	if rec.State != JobStateCompleted {
		t.Fatalf("state: got=%q want=%q (error=%q)", rec.State, JobStateCompleted, rec.Error)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("exit_code: got=%v want=0", rec.ExitCode)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", rec)
	}
	if !rec.HasResult {
		t.Fatalf("has_result not set despite result file")
	}
	if rec.PID <= 0 {
		t.Fatalf("pid not recorded")
	}

	// The deck streamed through the solver into the log.
	tail, err := reg.Store().TailLog(rec.JobID, 4096)
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if tail == nil || !strings.Contains(tail.Content, "TASK NAME:beta") {
		t.Fatalf("log missing solver output: %+v", tail)
	}

	res, err := reg.Store().ReadResult(rec.JobID)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if res == nil || !res.IsStructured() {
		t.Fatalf("expected structured result, got %+v", res)
	}
	if res.Structured["status"] != "ok" {
		t.Fatalf("result content mismatch: %+v", res.Structured)
	}
}

func TestLauncher_FailedExitCode(t *testing.T) {
	solver := writeSolverScript(t, `echo "deck rejected" >&2
exit 3`)

	_, job := launchTestJob(t, LauncherConfig{SolverPath: solver}, "deck\r\n")
	waitDone(t, job)

	rec := job.Record()
	if rec.State != JobStateFailed {
		t.Fatalf("state: got=%q want=%q", rec.State, JobStateFailed)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Fatalf("exit_code: got=%v want=3", rec.ExitCode)
	}
	if !strings.Contains(rec.Error, "code 3") {
		t.Fatalf("error detail: got=%q", rec.Error)
	}
	if rec.HasResult {
		t.Fatalf("has_result must be false without a result file")
	}
}

func TestLauncher_ZeroExitWithoutResult(t *testing.T) {
	solver := writeSolverScript(t, `echo "did nothing"`)

	_, job := launchTestJob(t, LauncherConfig{SolverPath: solver}, "deck\r\n")
	waitDone(t, job)

	rec := job.Record()
	// Exit code decides the state; the missing result is recorded, not fatal.
	if rec.State != JobStateCompleted {
		t.Fatalf("state: got=%q want=%q", rec.State, JobStateCompleted)
	}
	if rec.HasResult {
		t.Fatalf("has_result must reflect the missing result file")
	}
}

func TestLauncher_MissingBinary(t *testing.T) {
	cfg := LauncherConfig{SolverPath: filepath.Join(t.TempDir(), "no", "such", "solver")}

	reg, job := launchTestJob(t, cfg, "deck\r\n")
	waitDone(t, job)

	rec := job.Record()
	if rec.State != JobStateFailed {
		t.Fatalf("state: got=%q want=%q", rec.State, JobStateFailed)
	}
	if rec.StartedAt == nil {
		t.Fatalf("startedAt must be set even when the spawn never happens")
	}
	if rec.ExitCode != nil {
		t.Fatalf("exit_code must stay nil for launch failures, got=%v", *rec.ExitCode)
	}
	if !strings.Contains(rec.Error, "solver binary not found") {
		t.Fatalf("error detail: got=%q", rec.Error)
	}
	if rec.FinishedAt == nil {
		t.Fatalf("finishedAt must be set on launch failure")
	}

	// The failure is durable.
	disk, err := reg.Store().ReadSnapshot(rec.JobID)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if disk.State != JobStateFailed {
		t.Fatalf("failure not persisted: got=%q", disk.State)
	}
}

func TestLauncher_ArgvContract(t *testing.T) {
	solver := writeSolverScript(t, `: > "$5"`)

	cfg := LauncherConfig{SolverPath: solver, ExtraArgs: []string{"-threads", "4"}}
	reg, job := launchTestJob(t, cfg, "deck\r\n")
	waitDone(t, job)

	rec := job.Record()
	store := reg.Store()
	want := []string{
		"-batch",
		"-deck", store.DeckPath(rec.JobID),
		"-result", store.ResultPath(rec.JobID),
		"-threads", "4",
	}
	if len(rec.SolverArgs) != len(want) {
		t.Fatalf("argv length: got=%v want=%v", rec.SolverArgs, want)
	}
	for i := range want {
		if rec.SolverArgs[i] != want[i] {
			t.Fatalf("argv[%d]: got=%q want=%q", i, rec.SolverArgs[i], want[i])
		}
	}
	if rec.SolverPath == "" {
		t.Fatalf("resolved solver path not recorded")
	}
}

func TestLauncher_HeartbeatWhileRunning(t *testing.T) {
	solver := writeSolverScript(t, `sleep 1
: > "$5"`)

	cfg := LauncherConfig{SolverPath: solver, HeartbeatInterval: 50 * time.Millisecond}
	_, job := launchTestJob(t, cfg, "deck\r\n")
	waitDone(t, job)

	rec := job.Record()
	if rec.LastHeartbeat == nil || rec.StartedAt == nil {
		t.Fatalf("heartbeat fields missing: %+v", rec)
	}
	if !rec.LastHeartbeat.After(*rec.StartedAt) {
		t.Fatalf("heartbeat never advanced past start: start=%v beat=%v", rec.StartedAt, rec.LastHeartbeat)
	}
}

func TestLauncher_OnFinishedHook(t *testing.T) {
	solver := writeSolverScript(t, `: > "$5"`)

	reg := newTestRegistry(t)
	launcher := NewLauncher(reg, LauncherConfig{SolverPath: solver}, nil)

	finished := make(chan JobRecord, 1)
	launcher.OnFinished = func(rec JobRecord) { finished <- rec }

	job, err := reg.Create("hooked", "deck\r\n")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := launcher.Launch(job); err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	waitDone(t, job)

	select {
	case rec := <-finished:
		if !rec.State.Terminal() {
			t.Fatalf("hook must see a terminal record, got=%q", rec.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnFinished was not called")
	}
}

func TestLauncher_StatusMonotonicUnderPolling(t *testing.T) {
	solver := writeSolverScript(t, `sleep 0.3
: > "$5"`)

	reg, job := launchTestJob(t, LauncherConfig{SolverPath: solver}, "deck\r\n")

	stageRank := map[JobState]int{
		JobStateQueued:    0,
		JobStateRunning:   1,
		JobStateCompleted: 2,
		JobStateFailed:    2,
	}

	last := -1
	deadline := time.After(10 * time.Second)
	for {
		view, err := reg.Status(job.ID())
		if err != nil {
			t.Fatalf("Status() error: %v", err)
		}
		rank, ok := stageRank[view.State]
		if !ok {
			t.Fatalf("unexpected state while polling: %q", view.State)
		}
		if rank < last {
			t.Fatalf("state regressed from rank %d to %d (%q)", last, rank, view.State)
		}
		last = rank

		if view.State.Terminal() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
