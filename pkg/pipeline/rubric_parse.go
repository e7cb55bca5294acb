package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const rubricSchemaJSON = `{
	"type": "object",
	"required": ["title", "questions"],
	"properties": {
		"title": {"type": "string"},
		"confidence": {"type": "number"},
		"general_notes": {"type": "string"},
		"questions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "prompt", "scoring_points"],
				"properties": {
					"id": {"type": "string"},
					"prompt": {"type": "string"},
					"standard_answer": {"type": "string"},
					"grading_notes": {"type": "string"},
					"alternative_solutions": {"type": "array", "items": {"type": "string"}},
					"source_pages": {"type": "array", "items": {"type": "integer"}},
					"scoring_points": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["id", "description", "max_score"],
							"properties": {
								"id": {"type": "string"},
								"description": {"type": "string"},
								"expected_value": {"type": "string"},
								"max_score": {"type": "number"},
								"is_required": {"type": "boolean"},
								"keywords": {"type": "array", "items": {"type": "string"}}
							}
						}
					}
				}
			}
		}
	}
}`

// rubricConfidenceThreshold gates whether a parsed rubric must pause for
// human review before grading proceeds.
const rubricConfidenceThreshold = 0.7

// RubricParse issues the rubric page(s) to the gateway, expecting a
// structured Rubric back. A structural violation (caught by schema
// validation, or by the post-parse invariant checks below) is retried once
// with a stricter prompt; a second failure pauses the run for rubric_review
// instead of failing it outright.
//
// fallbackConfidence is used only when the model's own response omits its
// "confidence" field (older prompts, or a backend that doesn't support
// self-reported confidence); when the model does report one, that value
// gates the review threshold instead.
func RubricParse(rubricPages []PageImage, fallbackConfidence float64) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		schema, err := gateway.NewSchema([]byte(rubricSchemaJSON))
		if err != nil {
			return StageResult{}, fmt.Errorf("pipeline: rubric_parse: build schema: %w", err)
		}

		rubric, reportedConfidence, err := parseRubricOnce(ctx, gw, rs, schema, rubricPages, "")
		if err != nil {
			// retry once with a stricter prompt reiterating the structural
			// requirements, per spec's schema_error handling for rubric_parse
			rubric, reportedConfidence, err = parseRubricOnce(ctx, gw, rs, schema, rubricPages, strictRubricNote)
		}
		if err != nil {
			emit(ctx, log, rs.Run.ID, types.EventReviewRequested, "rubric parse failed twice, pausing for review", nil)
			rs.Run.Status = types.RunStatusReview
			return StageResult{Stage: "rubric_parse", Paused: true, Message: "rubric parse failed, awaiting human review"}, nil
		}

		confidence := fallbackConfidence
		if reportedConfidence > 0 {
			confidence = reportedConfidence
		}

		if confidence < rubricConfidenceThreshold {
			rs.Rubric = rubric
			emit(ctx, log, rs.Run.ID, types.EventReviewRequested,
				fmt.Sprintf("rubric confidence %.2f below threshold %.2f", confidence, rubricConfidenceThreshold), nil)
			rs.Run.Status = types.RunStatusReview
			return StageResult{Stage: "rubric_parse", Paused: true, Message: "rubric confidence below threshold, awaiting human review"}, nil
		}

		rs.Rubric = rubric
		emit(ctx, log, rs.Run.ID, types.EventRubricParseCompleted,
			fmt.Sprintf("parsed %d questions", len(rubric.Questions)), nil)
		return StageResult{Stage: "rubric_parse", Message: "rubric parsed"}, nil
	}
}

const strictRubricNote = `Your previous response did not match the required
JSON schema. Respond with ONLY a single JSON object with keys "title" and
"questions"; each question needs "id", "prompt", and "scoring_points", plus
"standard_answer", "grading_notes", "alternative_solutions", and
"source_pages" when the source pages state them; each scoring point needs
"id", "description", and "max_score", plus "expected_value", "is_required",
and "keywords" when applicable. No prose.`

func parseRubricOnce(ctx context.Context, gw *gateway.Gateway, rs *RunState, schema *gateway.Schema, pages []PageImage, note string) (*types.Rubric, float64, error) {
	conv := llm.NewConversation().WithSystem(rubricSystemPrompt)
	images := make([]llm.Image, 0, len(pages))
	for _, p := range pages {
		images = append(images, llm.Image{Data: p.Image, MimeType: p.MimeType})
	}
	prompt := "Extract the grading rubric from these pages as JSON."
	if note != "" {
		prompt = note + "\n\n" + prompt
	}
	conv.AddImagePrompt(prompt, images...)

	resp, err := gw.Call(ctx, rs.RateLimitKey, gateway.Request{
		Kind:         gateway.RequestKindRubricParse,
		Conversation: conv,
		Schema:       schema,
		MaxTokens:    4000,
		Temperature:  0,
	})
	if err != nil {
		return nil, 0, err
	}

	var rubric types.Rubric
	if err := json.Unmarshal([]byte(resp.Text), &rubric); err != nil {
		return nil, 0, errs.Classify(errs.KindSchema, fmt.Errorf("rubric_parse: unmarshal response: %w", err))
	}
	if len(rubric.Questions) == 0 {
		return nil, 0, errs.Classify(errs.KindSchema, fmt.Errorf("rubric_parse: parsed rubric has no questions"))
	}

	var withConfidence struct {
		Confidence float64 `json:"confidence"`
	}
	_ = json.Unmarshal([]byte(resp.Text), &withConfidence)

	return &rubric, withConfidence.Confidence, nil
}

const rubricSystemPrompt = `You read scanned rubric pages and extract a
structured grading key: a title, optional rubric-wide "general_notes", and
an ordered list of questions. Each question needs an id, prompt, and
scoring points, plus its standard_answer, grading_notes,
alternative_solutions, and source_pages when the pages state them. Each
scoring point needs an id, description, and max_score, plus expected_value,
is_required, and keywords when applicable. Include a top-level
"confidence" between 0 and 1 reflecting how legible and unambiguous the
source pages were. Respond with a single JSON object matching the given
schema, no prose.`
