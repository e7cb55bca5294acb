package pipeline

import (
	"context"
	"testing"

	"github.com/praetorian-labs/gradeflow/pkg/confession"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const confessionReportJSON = `{
	"instructions_and_constraints": [{"rubric_reference": "sp1", "description": "mentions X"}],
	"compliance_analysis": [{"rubric_reference": "sp1", "complied": true, "evidence": "line 3"}],
	"uncertainties": []
}`

func confessionTestState() *RunState {
	rs := testRunState()
	rs.Rubric.Questions = []types.Question{
		{ID: "q1", Prompt: "Explain X", ScoringPoints: []types.ScoringPoint{
			{ID: "sp1", Description: "mentions X", MaxScore: 5},
		}},
	}
	rs.StudentResults = map[string]*types.StudentResult{
		"alice": {
			StudentID: "alice",
			RunID:     rs.Run.ID,
			Questions: []types.QuestionResult{
				{QuestionID: "q1", StudentID: "alice", Points: []types.ScoringPointResult{
					{ScoringPointID: "sp1", Awarded: 5, MaxScore: 5, Confidence: 0.9, Citation: "line 3"},
				}},
			},
		},
		"bob": {
			StudentID: "bob",
			RunID:     rs.Run.ID,
			Questions: []types.QuestionResult{
				{QuestionID: "q1", StudentID: "bob", Points: []types.ScoringPointResult{
					{ScoringPointID: "sp1", Awarded: 0, MaxScore: 5, Confidence: 0.85, Citation: ""},
				}},
			},
		},
	}
	return rs
}

func TestConfessionAttachesReportToEveryStudent(t *testing.T) {
	rs := confessionTestState()
	gen := confession.New(newStageGateway(&scriptedBackend{responses: []string{confessionReportJSON}}))

	stage := Confession(gen)
	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Confession: %v", err)
	}

	for _, studentID := range []string{"alice", "bob"} {
		if rs.StudentResults[studentID].Confession == nil {
			t.Fatalf("expected a confession report for %s", studentID)
		}
	}
}

func TestConfessionNeverChangesScores(t *testing.T) {
	rs := confessionTestState()
	before := rs.StudentResults["alice"].TotalAwarded()

	gen := confession.New(newStageGateway(&scriptedBackend{responses: []string{confessionReportJSON}}))
	stage := Confession(gen)
	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Confession: %v", err)
	}

	if rs.StudentResults["alice"].TotalAwarded() != before {
		t.Fatalf("TotalAwarded changed from %v to %v", before, rs.StudentResults["alice"].TotalAwarded())
	}
}

func TestConfessionRecordsFailurePerStudentWithoutFailingTheStage(t *testing.T) {
	rs := confessionTestState()
	backend := &scriptedBackend{responses: []string{"not json"}}
	gen := confession.New(newStageGateway(backend))

	stage := Confession(gen)
	if _, err := stage(context.Background(), rs, nil, nil); err != nil {
		t.Fatalf("Confession: %v", err)
	}
	for _, studentID := range []string{"alice", "bob"} {
		if rs.StudentResults[studentID].Confession != nil {
			t.Fatalf("expected no confession for %s on a malformed response", studentID)
		}
	}
}

