package ids

import "testing"

func TestJobID_DeterministicAcrossKeyOrder(t *testing.T) {
	a, err := JobID("tile_ingest", []byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	b, err := JobID("tile_ingest", []byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	if a != b {
		t.Fatalf("expected same JobID regardless of key order, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%q)", len(a), a)
	}
}

func TestJobID_DiffersByJobType(t *testing.T) {
	params := []byte(`{"x":1}`)
	a, err := JobID("tile_ingest", params)
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	b, err := JobID("tile_reproject", params)
	if err != nil {
		t.Fatalf("JobID: %v", err)
	}
	if a == b {
		t.Fatalf("expected different JobIDs for different job types")
	}
}

func TestTaskID_DeterministicAndScoped(t *testing.T) {
	jobID := "abc123"
	a := TaskID(jobID, 2, "tile-07")
	b := TaskID(jobID, 2, "tile-07")
	if a != b {
		t.Fatalf("expected stable TaskID, got %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%q)", len(a), a)
	}

	c := TaskID(jobID, 3, "tile-07")
	if a == c {
		t.Fatalf("expected different TaskID for a different stage")
	}

	d := TaskID(jobID, 2, "tile-08")
	if a == d {
		t.Fatalf("expected different TaskID for a different logical unit")
	}
}

func TestPredecessorAndSuccessor(t *testing.T) {
	jobID := "abc123"
	if _, ok := Predecessor(jobID, 1, "tile-07"); ok {
		t.Fatalf("stage 1 must have no predecessor")
	}
	pred, ok := Predecessor(jobID, 2, "tile-07")
	if !ok {
		t.Fatalf("expected predecessor for stage 2")
	}
	if pred != TaskID(jobID, 1, "tile-07") {
		t.Fatalf("predecessor mismatch")
	}

	succ := Successor(jobID, 1, "tile-07")
	if succ != TaskID(jobID, 2, "tile-07") {
		t.Fatalf("successor mismatch")
	}
}
