package jobregistry

import (
	"os"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewStore(t.TempDir()), nil)
}

func TestRegistry_CreateWritesArtifacts(t *testing.T) {
	reg := newTestRegistry(t)

	job, err := reg.Create("demo", "STEP 1\r\n")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec := job.Record()
	if rec.State != JobStateQueued {
		t.Fatalf("new job state: got=%q want=%q", rec.State, JobStateQueued)
	}
	if rec.JobID == "" {
		t.Fatalf("job id not assigned")
	}

	b, err := os.ReadFile(reg.Store().DeckPath(rec.JobID))
	if err != nil {
		t.Fatalf("deck not written: %v", err)
	}
	if string(b) != "STEP 1\r\n" {
		t.Fatalf("deck content mismatch: %q", string(b))
	}

	disk, err := reg.Store().ReadSnapshot(rec.JobID)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if disk.State != JobStateQueued {
		t.Fatalf("snapshot state: got=%q", disk.State)
	}
	if disk.DeckPath == "" || disk.ResultPath == "" || disk.LogPath == "" {
		t.Fatalf("artifact paths not recorded: %+v", disk)
	}
}

func TestRegistry_UpdatePersistsEachTransition(t *testing.T) {
	reg := newTestRegistry(t)

	job, err := reg.Create("demo", "deck\r\n")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	now := time.Now().UTC()
	if err := reg.Update(job, func(r *JobRecord) {
		r.State = JobStateRunning
		r.StartedAt = &now
	}); err != nil {
		t.Fatalf("Update(running) error: %v", err)
	}
	disk, err := reg.Store().ReadSnapshot(job.ID())
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if disk.State != JobStateRunning || disk.StartedAt == nil {
		t.Fatalf("running transition not persisted: %+v", disk)
	}

	code := 0
	if err := reg.Update(job, func(r *JobRecord) {
		r.State = JobStateCompleted
		r.FinishedAt = &now
		r.ExitCode = &code
	}); err != nil {
		t.Fatalf("Update(completed) error: %v", err)
	}
	disk, err = reg.Store().ReadSnapshot(job.ID())
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if disk.State != JobStateCompleted || disk.StartedAt == nil || disk.FinishedAt == nil {
		t.Fatalf("completed snapshot lost earlier fields: %+v", disk)
	}
}

func TestRegistry_StatusPrefersMemory(t *testing.T) {
	reg := newTestRegistry(t)

	job, err := reg.Create("demo", "deck\r\n")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Remove the snapshot out from under the registry; the live record
	// must still answer.
	if err := os.Remove(reg.Store().SnapshotPath(job.ID())); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	view, err := reg.Status(job.ID())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if view.State != JobStateQueued {
		t.Fatalf("memory tier not preferred: got=%q", view.State)
	}
}

func TestRegistry_StatusFallsBackToDisk(t *testing.T) {
	store := NewStore(t.TempDir())

	// A snapshot left behind by a previous process.
	created := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	finished := created.Add(2 * time.Hour)
	code := 0
	if err := store.CreateJobDir("old-job"); err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	if err := store.WriteSnapshot(&JobRecord{
		JobID:      "old-job",
		State:      JobStateCompleted,
		CreatedAt:  created,
		StartedAt:  &created,
		FinishedAt: &finished,
		ExitCode:   &code,
		HasResult:  true,
	}); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	// Fresh registry over the same root, nothing in memory.
	reg := NewRegistry(store, nil)

	view, err := reg.Status("old-job")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if view.State != JobStateCompleted {
		t.Fatalf("disk tier not used: got=%q", view.State)
	}
	if view.ExitCode == nil || *view.ExitCode != 0 || !view.HasResult {
		t.Fatalf("disk fields not surfaced: %+v", view)
	}
}

func TestRegistry_StatusUnknownWhenSnapshotUnreadable(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.CreateJobDir("mystery"); err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	if err := os.WriteFile(store.SnapshotPath("mystery"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	reg := NewRegistry(store, nil)
	view, err := reg.Status("mystery")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if view.State != JobStateUnknown {
		t.Fatalf("expected unknown state, got=%q", view.State)
	}
	if view.JobID != "mystery" {
		t.Fatalf("expected job id in view, got=%q", view.JobID)
	}
}

func TestRegistry_StatusNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	for _, id := range []string{"never-issued", "", "..", "../escape", `a\b`} {
		if _, err := reg.Status(id); !IsNotFound(err) {
			t.Fatalf("Status(%q): expected not found, got %v", id, err)
		}
	}
}

func TestRegistry_StatusZombieRunning(t *testing.T) {
	store := NewStore(t.TempDir())
	created := time.Now().UTC().Add(-time.Hour)

	if err := store.CreateJobDir("zombie"); err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	// A pid far above any real pid space; signal 0 cannot reach it.
	if err := store.WriteSnapshot(&JobRecord{
		JobID:     "zombie",
		State:     JobStateRunning,
		PID:       1 << 27,
		CreatedAt: created,
		StartedAt: &created,
	}); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := os.WriteFile(store.ResultPath("zombie"), []byte("status: ok\n"), 0644); err != nil {
		t.Fatalf("write result: %v", err)
	}

	reg := NewRegistry(store, nil)
	view, err := reg.Status("zombie")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if view.State != JobStateUnknown {
		t.Fatalf("dead running job should report unknown, got=%q", view.State)
	}
	if !view.HasResult {
		t.Fatalf("result on disk should be surfaced")
	}

	// The snapshot itself stays as the last transition wrote it.
	disk, err := store.ReadSnapshot("zombie")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if disk.State != JobStateRunning {
		t.Fatalf("snapshot must not be rewritten by a status read, got=%q", disk.State)
	}
}

func TestResolveStatus_FieldMerge(t *testing.T) {
	created := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)

	disk := &JobRecord{JobID: "j", Name: "nightly", State: JobStateQueued, CreatedAt: created}
	mem := &JobRecord{JobID: "j", State: JobStateRunning, StartedAt: &started}

	got := resolveStatus(mem, disk)
	if got.State != JobStateRunning {
		t.Fatalf("memory state must win: got=%q", got.State)
	}
	if got.Name != "nightly" {
		t.Fatalf("disk-only field must survive: got=%q", got.Name)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("memory-only field missing: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at lost in merge")
	}

	empty := resolveStatus(nil, nil)
	if empty.State != JobStateUnknown {
		t.Fatalf("default state must be unknown, got=%q", empty.State)
	}
	if empty.StartedAt != nil || empty.ExitCode != nil {
		t.Fatalf("defaults must leave optional fields nil")
	}
}

func TestRegistry_ListOverlaysMemory(t *testing.T) {
	reg := newTestRegistry(t)

	job, err := reg.Create("demo", "deck\r\n")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Move memory ahead of disk by writing the snapshot behind Update's
	// back, then confirm List reports the in-memory stage.
	job.mu.Lock()
	job.record.State = JobStateRunning
	job.mu.Unlock()

	got, err := reg.List(ListOptions{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unexpected count: %d", len(got))
	}
	if got[0].State != JobStateRunning {
		t.Fatalf("memory overlay not applied: got=%q", got[0].State)
	}
}
