package pipeline

import (
	"context"
	"testing"

	"github.com/praetorian-labs/gradeflow/pkg/types"
)

func runStateWithPages(headers ...string) *RunState {
	rs := testRunState()
	rs.Rubric.Questions = []types.Question{
		{ID: "q1", Prompt: "Explain X"},
		{ID: "q2", Prompt: "Explain Y"},
	}
	pages := make([]PageImage, 0, len(headers))
	for i, h := range headers {
		pages = append(pages, PageImage{Index: i, HeaderText: h, Fingerprint: "fp"})
	}
	rs.Pages = pages
	return rs
}

var aliceBobRoster = []RosterEntry{
	{StudentID: "alice", Keywords: []string{"Alice Nguyen", "ID 1001"}},
	{StudentID: "bob", Keywords: []string{"Bob Singh", "ID 1002"}},
}

func TestIndexFailsWithNoPages(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := testRunState()
	if _, err := stage(context.Background(), rs, nil, nil); err == nil {
		t.Fatal("expected an error indexing with no pages")
	}
}

func TestIndexAssignsHeaderMatchedBoundary(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("Alice Nguyen ID 1001", "continued answer")

	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(rs.Boundaries) != 1 {
		t.Fatalf("Boundaries = %d, want 1", len(rs.Boundaries))
	}
	b := rs.Boundaries[0]
	if b.StudentID != "alice" || b.StartPage != 0 || b.EndPage != 1 {
		t.Fatalf("boundary = %+v", b)
	}
	if b.Source != types.BoundarySourceHeaderMatch {
		t.Fatalf("Source = %q, want header_match", b.Source)
	}
	if rs.Pages[1].StudentID != "alice" {
		t.Fatalf("continuation page StudentID = %q, want alice", rs.Pages[1].StudentID)
	}
}

func TestIndexSplitsBoundariesOnNewHeaderMatch(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("Alice Nguyen ID 1001", "Bob Singh ID 1002")

	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(rs.Boundaries) != 2 {
		t.Fatalf("Boundaries = %d, want 2", len(rs.Boundaries))
	}
	if rs.Boundaries[0].StudentID != "alice" || rs.Boundaries[1].StudentID != "bob" {
		t.Fatalf("boundaries = %+v", rs.Boundaries)
	}
}

func TestIndexLeavesLeadingUnmatchedPagesUnassigned(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("blank cover page", "Alice Nguyen ID 1001")

	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if rs.Pages[0].StudentID != "" {
		t.Fatalf("leading unmatched page StudentID = %q, want empty", rs.Pages[0].StudentID)
	}
	if len(rs.Boundaries) != 1 || rs.Boundaries[0].StartPage != 1 {
		t.Fatalf("boundaries = %+v", rs.Boundaries)
	}
}

func TestIndexBuildsOneGradingUnitPerStudentPerQuestion(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("Alice Nguyen ID 1001", "Bob Singh ID 1002")

	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(rs.Units) != 4 { // 2 students x 2 questions
		t.Fatalf("Units = %d, want 4", len(rs.Units))
	}
	for _, u := range rs.Units {
		if u.RunID != rs.Run.ID {
			t.Fatalf("unit RunID = %q, want %q", u.RunID, rs.Run.ID)
		}
		if len(u.Pages) == 0 {
			t.Fatalf("unit %+v has no pages", u)
		}
	}
}

func TestIndexCallsGatewayForPagesWithNoHeaderText(t *testing.T) {
	backend := &scriptedBackend{responses: []string{"Alice Nguyen ID 1001"}}
	gw := newStageGateway(backend)

	stage := Index(aliceBobRoster)
	rs := runStateWithPages("") // empty HeaderText forces a header-probe call

	if _, err := stage(context.Background(), rs, gw, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", backend.calls)
	}
	if rs.Pages[0].StudentID != "alice" {
		t.Fatalf("StudentID = %q, want alice (from the probed header text)", rs.Pages[0].StudentID)
	}
}

func TestIndexSkipsGatewayWhenHeaderTextAlreadyPopulated(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("Alice Nguyen ID 1001")

	// gw is nil: if Index tried to call it, this would panic.
	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if rs.Pages[0].StudentID != "alice" {
		t.Fatalf("StudentID = %q, want alice", rs.Pages[0].StudentID)
	}
}

func TestIndexUnitFingerprintsDifferByQuestion(t *testing.T) {
	stage := Index(aliceBobRoster)
	rs := runStateWithPages("Alice Nguyen ID 1001")

	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(rs.Units) != 2 {
		t.Fatalf("Units = %d, want 2", len(rs.Units))
	}
	if rs.Units[0].Fingerprint == rs.Units[1].Fingerprint {
		t.Fatal("units for different questions should not share a fingerprint")
	}
}
