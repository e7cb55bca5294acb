package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/praetorian-labs/gradeflow/pkg/cache"
	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/metrics"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const gradingSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["scoring_point_id", "awarded", "max_score", "confidence"],
		"properties": {
			"scoring_point_id": {"type": "string"},
			"awarded": {"type": "number"},
			"max_score": {"type": "number"},
			"confidence": {"type": "number"},
			"rationale": {"type": "string"},
			"citation": {"type": "string"},
			"citation_quality": {"type": "string"},
			"rubric_reference": {"type": "string"},
			"rubric_text": {"type": "string"},
			"is_alternative_solution": {"type": "boolean"},
			"page_index": {"type": "integer"}
		}
	}
}`

// GradeBatch chunks a run's GradingUnits into batches of chunkSize and fans
// each batch out across a bounded worker pool, consulting the response
// cache before spending a model call on a unit and writing the cache back
// on a miss. Within a batch this is the same errgroup.SetLimit shape used
// to bound concurrent probe execution, generalized from a fixed probe list
// to whatever GradingUnits the index stage produced; batches themselves run
// sequentially so a run's in-flight request count never exceeds
// concurrency regardless of how many units it has.
func GradeBatch(c *cache.Cache, m *metrics.Metrics, concurrency, chunkSize int) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		if m == nil {
			m = &metrics.Metrics{}
		}
		if len(rs.Units) == 0 {
			return StageResult{}, fmt.Errorf("pipeline: grade_batch: no grading units, run index first")
		}
		if chunkSize <= 0 {
			chunkSize = len(rs.Units)
		}

		schema, err := gateway.NewSchema([]byte(gradingSchemaJSON))
		if err != nil {
			return StageResult{}, fmt.Errorf("pipeline: grade_batch: build schema: %w", err)
		}

		var mu sync.Mutex
		for start := 0; start < len(rs.Units); start += chunkSize {
			end := start + chunkSize
			if end > len(rs.Units) {
				end = len(rs.Units)
			}
			chunk := rs.Units[start:end]

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(concurrency)

			for _, unit := range chunk {
				unit := unit
				g.Go(func() error {
					results, hit, gradeErr := gradeUnit(gctx, gw, c, schema, rs, unit)

					mu.Lock()
					defer mu.Unlock()

					if gradeErr != nil {
						rs.UnscoredUnits[unit.ID] = gradeErr.Error()
						atomic.AddInt64(&m.UnitsFailed, 1)
						emit(ctx, log, rs.Run.ID, types.EventStageFailed,
							fmt.Sprintf("unit %s: %v", unit.ID, gradeErr),
							map[string]any{"unit_id": unit.ID, "student_id": unit.StudentID, "question_id": unit.QuestionID})
						return nil
					}

					rs.UnitResults[unit.ID] = results
					atomic.AddInt64(&m.UnitsGraded, 1)
					if hit {
						atomic.AddInt64(&m.CacheHits, 1)
						emit(ctx, log, rs.Run.ID, types.EventCacheHit, fmt.Sprintf("unit %s", unit.ID),
							map[string]any{"unit_id": unit.ID})
					} else {
						atomic.AddInt64(&m.CacheMisses, 1)
						emit(ctx, log, rs.Run.ID, types.EventGradeBatchUnitDone, fmt.Sprintf("unit %s graded", unit.ID),
							map[string]any{"unit_id": unit.ID, "student_id": unit.StudentID, "question_id": unit.QuestionID})
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return StageResult{}, fmt.Errorf("pipeline: grade_batch: %w", err)
			}
		}

		return StageResult{
			Stage:   "grade_batch",
			Message: fmt.Sprintf("%d units graded, %d failed", len(rs.UnitResults), len(rs.UnscoredUnits)),
		}, nil
	}
}

// gradeUnit grades a single GradingUnit, consulting the cache first. The
// bool return reports whether the result came from the cache.
func gradeUnit(ctx context.Context, gw *gateway.Gateway, c *cache.Cache, schema *gateway.Schema, rs *RunState, unit types.GradingUnit) ([]types.ScoringPointResult, bool, error) {
	question := findQuestion(rs.Rubric, unit.QuestionID)
	if question == nil {
		return nil, false, fmt.Errorf("question %q not found in rubric", unit.QuestionID)
	}

	var cacheKey string
	if c != nil {
		cacheKey = cache.Key(rs.Run.RubricFingerprint, unit.StudentID, unit.QuestionID, unit.Fingerprint)
		if payload, ok := c.Get(ctx, cacheKey); ok {
			var cached []types.ScoringPointResult
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, true, nil
			}
			// a corrupt cache entry falls through to a fresh grade call.
		}
	}

	images := make([]llm.Image, 0, len(unit.Pages))
	for _, pageIdx := range unit.Pages {
		if pageIdx < 0 || pageIdx >= len(rs.Pages) {
			continue
		}
		p := rs.Pages[pageIdx]
		images = append(images, llm.Image{Data: p.Image, MimeType: p.MimeType})
	}

	conv := llm.NewConversation().WithSystem(gradingSystemPrompt)
	conv.AddImagePrompt(buildGradingPrompt(question), images...)

	resp, err := gw.Call(ctx, rs.RateLimitKey, gateway.Request{
		Kind:         gateway.RequestKindGrading,
		Conversation: conv,
		Schema:       schema,
		MaxTokens:    2000,
		Temperature:  0,
	})
	if err != nil {
		return nil, false, err
	}

	var results []types.ScoringPointResult
	if err := json.Unmarshal([]byte(resp.Text), &results); err != nil {
		return nil, false, errs.Classify(errs.KindSchema, fmt.Errorf("grade_batch: unmarshal response: %w", err))
	}

	if c != nil && cacheKey != "" {
		if payload, err := json.Marshal(results); err == nil {
			c.Put(ctx, cacheKey, payload, minResultConfidence(results))
		}
	}

	return results, false, nil
}

// minResultConfidence is the lowest confidence across a unit's scoring point
// results, so a unit is only cached when every point in it was graded with
// confidence, not just the average.
func minResultConfidence(results []types.ScoringPointResult) float64 {
	if len(results) == 0 {
		return 0
	}
	min := results[0].Confidence
	for _, r := range results[1:] {
		if r.Confidence < min {
			min = r.Confidence
		}
	}
	return min
}

func findQuestion(rubric *types.Rubric, questionID string) *types.Question {
	if rubric == nil {
		return nil
	}
	for i := range rubric.Questions {
		if rubric.Questions[i].ID == questionID {
			return &rubric.Questions[i]
		}
	}
	return nil
}

func buildGradingPrompt(q *types.Question) string {
	prompt := fmt.Sprintf("Grade the student's answer to this question: %s\n\n", q.Prompt)
	if q.StandardAnswer != "" {
		prompt += fmt.Sprintf("Standard answer: %s\n", q.StandardAnswer)
	}
	if q.GradingNotes != "" {
		prompt += fmt.Sprintf("Grading notes: %s\n", q.GradingNotes)
	}
	if len(q.AlternativeSolutions) > 0 {
		prompt += fmt.Sprintf("Accept these alternative approaches too: %s\n", strings.Join(q.AlternativeSolutions, "; "))
	}
	prompt += "\nScoring points:\n"
	for _, sp := range q.ScoringPoints {
		prompt += fmt.Sprintf("- %s (%s, max %.1f points)", sp.ID, sp.Description, sp.MaxScore)
		if sp.ExpectedValue != "" {
			prompt += fmt.Sprintf(" [expects: %s]", sp.ExpectedValue)
		}
		if sp.IsRequired {
			prompt += " [required]"
		}
		if len(sp.Keywords) > 0 {
			prompt += fmt.Sprintf(" [keywords: %s]", strings.Join(sp.Keywords, ", "))
		}
		if sp.RequiresCitation {
			prompt += " [requires a citation from the student's work]"
		}
		prompt += "\n"
	}
	prompt += "\nFor each scoring point, also report which rubric_reference " +
		"(the scoring point id, or a rubric clause) backed your decision and " +
		"the rubric_text behind it.\n"
	prompt += "\nRespond with a JSON array, one object per scoring point."
	return prompt
}

const gradingSystemPrompt = `You grade one student's answer to one question
against a list of scoring points. For each scoring point, decide how much of
its max_score to award, a confidence between 0 and 1, a short rationale, a
citation locating the evidence in the student's work when the scoring point
requires one, and which rubric point (rubric_reference, rubric_text) your
award relied on. Respond with a single JSON array matching the given
schema, no prose.`
