// Package confession builds the structured self-report appended to a graded
// StudentResult: enumerated instructions and constraints, a per-instruction
// compliance analysis, and a list of uncertainties. It never re-derives a
// score, only narrates a result the grade_batch/aggregate stages already
// computed, and its honesty score measures completeness of the report
// rather than agreement with the grade.
package confession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const schemaJSON = `{
	"type": "object",
	"required": ["instructions_and_constraints", "compliance_analysis"],
	"properties": {
		"instructions_and_constraints": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["rubric_reference", "description"],
				"properties": {
					"rubric_reference": {"type": "string"},
					"description": {"type": "string"}
				}
			}
		},
		"compliance_analysis": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["rubric_reference", "complied", "evidence"],
				"properties": {
					"rubric_reference": {"type": "string"},
					"complied": {"type": "boolean"},
					"evidence": {"type": "string"},
					"citation_quality": {"type": "string"}
				}
			}
		},
		"uncertainties": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

// lowConfidenceThreshold marks a scoring point result as a tough enough
// judgement call that the confession's uncertainties section is expected to
// mention it.
const lowConfidenceThreshold = 0.7

type sections struct {
	InstructionsAndConstraints []types.InstructionConstraint `json:"instructions_and_constraints"`
	ComplianceAnalysis         []types.ComplianceEntry       `json:"compliance_analysis"`
	Uncertainties              []string                      `json:"uncertainties"`
}

// Generator issues confession requests through a Gateway.
type Generator struct {
	gw     *gateway.Gateway
	schema *gateway.Schema
}

// New builds a Generator. Panics only on a malformed embedded schema, which
// would be a programmer error, never a runtime condition.
func New(gw *gateway.Gateway) *Generator {
	schema, err := gateway.NewSchema([]byte(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("confession: invalid embedded schema: %v", err))
	}
	return &Generator{gw: gw, schema: schema}
}

// Generate produces a Confession for result and returns it. It does not
// set result.Confession and never mutates result; the pipeline's confession
// stage attaches the report.
func (g *Generator) Generate(ctx context.Context, rateLimitKey string, rubric *types.Rubric, result *types.StudentResult) (*types.Confession, error) {
	conv := llm.NewConversation().WithSystem(systemPrompt)
	conv.AddPrompt(buildPrompt(rubric, result))

	resp, err := g.gw.Call(ctx, rateLimitKey, gateway.Request{
		Kind:         gateway.RequestKindConfession,
		Conversation: conv,
		Schema:       g.schema,
		MaxTokens:    1200,
		Temperature:  0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("confession: generate for student %s: %w", result.StudentID, err)
	}

	var s sections
	if err := unmarshalSections(resp.Text, &s); err != nil {
		return nil, fmt.Errorf("confession: parse response for student %s: %w", result.StudentID, err)
	}

	return &types.Confession{
		InstructionsAndConstraints: s.InstructionsAndConstraints,
		ComplianceAnalysis:         s.ComplianceAnalysis,
		Uncertainties:              s.Uncertainties,
		OverallHonestyScore:        completeness(result, s),
	}, nil
}

// completeness scores a Confession on two signals the report's own prose
// can't fake: whether its instructions and compliance entries actually
// name a rubric_reference, and, when the underlying result has a
// low-confidence scoring point, whether the uncertainties section says so.
// It never looks at whether the narration agrees with the score, which
// keeps the confession a report on grading that already happened, not a
// second grading pass that could contradict it.
func completeness(result *types.StudentResult, s sections) float64 {
	return (rubricReferenceCoverage(s) + uncertaintyCoverage(result, s)) / 2
}

func rubricReferenceCoverage(s sections) float64 {
	total := len(s.InstructionsAndConstraints) + len(s.ComplianceAnalysis)
	if total == 0 {
		return 0
	}
	cited := 0
	for _, ic := range s.InstructionsAndConstraints {
		if strings.TrimSpace(ic.RubricReference) != "" {
			cited++
		}
	}
	for _, ce := range s.ComplianceAnalysis {
		if strings.TrimSpace(ce.RubricReference) != "" {
			cited++
		}
	}
	return float64(cited) / float64(total)
}

// uncertaintyCoverage is 1 when the result never needed a confidence
// confession in the first place, or when it did and the report names one;
// it's 0 when a low-confidence point went unmentioned.
func uncertaintyCoverage(result *types.StudentResult, s sections) float64 {
	if !hasLowConfidencePoint(result) {
		return 1
	}
	if len(s.Uncertainties) > 0 {
		return 1
	}
	return 0
}

func hasLowConfidencePoint(result *types.StudentResult) bool {
	for _, q := range result.Questions {
		for _, p := range q.Points {
			if p.Confidence < lowConfidenceThreshold {
				return true
			}
		}
	}
	return false
}

func unmarshalSections(text string, s *sections) error {
	return json.Unmarshal([]byte(text), s)
}

const systemPrompt = `You write a neutral, structured self-report on a
grading result that has already been finalized. Do not change or imply a
different score than the one given. Produce three sections: (1)
instructions_and_constraints, the enumerated rubric points and implicit
rules that governed this grading; (2) compliance_analysis, one entry per
instruction stating whether grading complied, what evidence supports that,
and the citation_quality behind it; (3) uncertainties, any ambiguity, tough
judgement call, or missing information, naming one whenever a scoring point
was graded with low confidence. Respond with a single JSON object matching
the given schema.`

func buildPrompt(rubric *types.Rubric, result *types.StudentResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rubric: %s\n", rubric.Title)
	if rubric.GeneralNotes != "" {
		fmt.Fprintf(&b, "General notes: %s\n", rubric.GeneralNotes)
	}
	fmt.Fprintf(&b, "Student %s scored %.1f/%.1f (%.1f%%).\n",
		result.StudentID, result.TotalAwarded(), result.TotalMaxScore(), result.Percentage())
	for _, q := range result.Questions {
		fmt.Fprintf(&b, "Question %s: %.1f/%.1f\n", q.QuestionID, q.Awarded(), q.MaxScore())
		for _, p := range q.Points {
			fmt.Fprintf(&b, "  - %s: %.1f/%.1f awarded (confidence %.2f, citation %s, rubric_reference %q) %s\n",
				p.ScoringPointID, p.Awarded, p.MaxScore, p.Confidence, p.CitationQuality, p.RubricReference, p.Rationale)
		}
	}
	return b.String()
}
