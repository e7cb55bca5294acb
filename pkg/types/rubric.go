package types

// MergeStrategy controls how cross_page_merge combines ScoringPointResults
// for the same scoring point found on more than one page.
type MergeStrategy string

const (
	// MergeMetOnce takes the maximum awarded value across pages: the point
	// is satisfied once and evidence on additional pages doesn't add more.
	MergeMetOnce MergeStrategy = "met_once"
	// MergeCumulative sums non-overlapping evidence across pages.
	MergeCumulative MergeStrategy = "cumulative"
)

// ScoringPoint is the smallest gradeable unit of a question: a single
// criterion that is either satisfied, partially satisfied, or missed.
type ScoringPoint struct {
	ID          string  `json:"id" yaml:"id" validate:"required"`
	Description string  `json:"description" yaml:"description" validate:"required"`
	// ExpectedValue is the specific value, phrase, or quantity the rubric
	// expects the student's work to contain for this point, when the
	// point is checking for something more precise than "addressed it".
	ExpectedValue string  `json:"expected_value,omitempty" yaml:"expected_value,omitempty"`
	MaxScore      float64 `json:"max_score" yaml:"max_score" validate:"gte=0"`
	// IsRequired marks a point whose omission should be flagged even when
	// the student's overall answer otherwise earns full marks; optional
	// points (extra credit, stylistic bonuses) leave this false.
	IsRequired bool `json:"is_required,omitempty" yaml:"is_required,omitempty"`
	// Keywords are terms whose presence in the student's answer is a
	// strong signal this point was addressed, used to steer the grading
	// prompt.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// RequiresCitation marks a scoring point whose award must reference a
	// specific location in the student's work (a quote, a line, a step).
	RequiresCitation bool `json:"requires_citation,omitempty" yaml:"requires_citation,omitempty"`
	// Merge selects how cross_page_merge combines this point's results when
	// evidence for it spans multiple pages. Defaults to MergeMetOnce.
	Merge MergeStrategy `json:"merge,omitempty" yaml:"merge,omitempty" validate:"omitempty,oneof=met_once cumulative"`
}

// MergeStrategy returns the point's configured merge strategy, defaulting
// to MergeMetOnce when unset.
func (sp *ScoringPoint) MergeStrategy() MergeStrategy {
	if sp.Merge == "" {
		return MergeMetOnce
	}
	return sp.Merge
}

// Question groups the scoring points a student's answer to one prompt is
// measured against.
type Question struct {
	ID     string `json:"id" yaml:"id" validate:"required"`
	Prompt string `json:"prompt" yaml:"prompt" validate:"required"`
	// StandardAnswer is the model answer the rubric author expects,
	// carried through to the grading prompt as a reference solution.
	StandardAnswer string `json:"standard_answer,omitempty" yaml:"standard_answer,omitempty"`
	// GradingNotes are freeform instructions for graders (human or model)
	// that don't fit any single scoring point, e.g. "accept either unit
	// system" or "ignore arithmetic slips in the final step".
	GradingNotes  string         `json:"grading_notes,omitempty" yaml:"grading_notes,omitempty"`
	ScoringPoints []ScoringPoint `json:"scoring_points" yaml:"scoring_points" validate:"required,dive"`
	// AlternativeSolutions are correct approaches other than the
	// StandardAnswer's, so a grading model that recognizes one doesn't
	// have to award it through ScoringPointResult.IsAlternativeSolution
	// alone.
	AlternativeSolutions []string `json:"alternative_solutions,omitempty" yaml:"alternative_solutions,omitempty"`
	// SourcePages indexes into the rubric image set, recording which
	// page(s) this question was parsed from.
	SourcePages []int `json:"source_pages,omitempty" yaml:"source_pages,omitempty"`
}

// MaxScore is the sum of every scoring point's max score.
func (q *Question) MaxScore() float64 {
	var total float64
	for _, sp := range q.ScoringPoints {
		total += sp.MaxScore
	}
	return total
}

// Rubric is the grading key for a run: an ordered list of questions, each
// decomposed into scoring points, plus optional HeaderKeywords; the index
// stage identifies students from roster keywords, not from these.
type Rubric struct {
	Title     string     `json:"title" yaml:"title" validate:"required"`
	Questions []Question `json:"questions" yaml:"questions" validate:"required,dive"`
	// GeneralNotes are rubric-wide grading instructions that apply across
	// every question, e.g. partial-credit policy or a late-penalty note.
	GeneralNotes      string   `json:"general_notes,omitempty" yaml:"general_notes,omitempty"`
	HeaderKeywords    []string `json:"header_keywords,omitempty" yaml:"header_keywords,omitempty"`
	PassingPercentage float64  `json:"passing_percentage,omitempty" yaml:"passing_percentage,omitempty" validate:"gte=0,lte=100"`
}

// MaxScore is the sum of every question's max score.
func (r *Rubric) MaxScore() float64 {
	var total float64
	for _, q := range r.Questions {
		total += q.MaxScore()
	}
	return total
}
