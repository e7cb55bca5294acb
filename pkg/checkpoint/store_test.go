package checkpoint

import (
	"context"
	"testing"
)

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "run-1", "rubric_parse", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, ok, err := s.Load(ctx, "run-1", "rubric_parse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a checkpoint to be found")
	}
	if string(snap.Payload) != `{"ok":true}` {
		t.Fatalf("Payload = %q", snap.Payload)
	}
}

func TestLoadMissingCheckpointReturnsFalse(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Load(context.Background(), "run-1", "rubric_parse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for an unsaved stage")
	}
}

func TestSaveOverwritesExistingStageCheckpoint(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "run-1", "index", []byte("v1")); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := s.Save(ctx, "run-1", "index", []byte("v2")); err != nil {
		t.Fatalf("Save v2: %v", err)
	}

	snap, ok, err := s.Load(ctx, "run-1", "index")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok || string(snap.Payload) != "v2" {
		t.Fatalf("Load after overwrite = %+v, %v", snap, ok)
	}
}

func TestLatestStageTracksMostRecentSave(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "run-1", "intake", []byte("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "run-1", "preprocess", []byte("b")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stage, ok, err := s.LatestStage(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestStage: %v", err)
	}
	if !ok || stage != "preprocess" {
		t.Fatalf("LatestStage = %q, %v, want preprocess, true", stage, ok)
	}
}

func TestLatestStageUnknownRunReturnsFalse(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.LatestStage(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LatestStage: %v", err)
	}
	if ok {
		t.Fatal("expected no latest stage for an unknown run")
	}
}

func TestDeleteRunRemovesAllCheckpoints(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "run-1", "intake", []byte("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "run-1", "preprocess", []byte("b")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if _, ok, err := s.Load(ctx, "run-1", "intake"); err != nil || ok {
		t.Fatalf("Load after delete = ok=%v err=%v, want ok=false", ok, err)
	}
	if _, ok, err := s.LatestStage(ctx, "run-1"); err != nil || ok {
		t.Fatalf("LatestStage after delete = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestCheckpointsAreIsolatedPerRun(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "run-1", "intake", []byte("run-1 data")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "run-2", "intake", []byte("run-2 data")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap1, _, err := s.Load(ctx, "run-1", "intake")
	if err != nil {
		t.Fatalf("Load run-1: %v", err)
	}
	snap2, _, err := s.Load(ctx, "run-2", "intake")
	if err != nil {
		t.Fatalf("Load run-2: %v", err)
	}
	if string(snap1.Payload) != "run-1 data" || string(snap2.Payload) != "run-2 data" {
		t.Fatalf("cross-run contamination: %q, %q", snap1.Payload, snap2.Payload)
	}
}
