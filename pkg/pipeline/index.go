package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/fingerprint"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/prefilter"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const headerProbeSystemPrompt = `You look only at the top third of a scanned
page and report any name, student ID, date, or class label visible there,
as plain text. If nothing is legible, respond with an empty string. No
other commentary.`

// RosterEntry names one expected student and the header keywords (name
// variants, ID numbers) that identify their pages.
type RosterEntry struct {
	StudentID string
	Keywords  []string
}

// Index detects student boundaries across rs.Pages by matching roster
// header keywords with Aho-Corasick. The model is called only to transcribe
// header text for pages that arrive without any; no per-page confirmation
// call is made. Pages with no header match inherit the prior page's student (an inferred
// boundary), reflecting that a student's answer often continues onto an
// unheaded page.
func Index(roster []RosterEntry) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		if len(rs.Pages) == 0 {
			return StageResult{}, fmt.Errorf("pipeline: index: no pages to index")
		}

		labelKeywords := make(map[string][]string, len(roster))
		for _, r := range roster {
			labelKeywords[r.StudentID] = r.Keywords
		}
		pf := prefilter.NewWithLabelMapping(labelKeywords, nil)

		var boundaries []types.StudentBoundary
		var current *types.StudentBoundary

		for i := range rs.Pages {
			page := &rs.Pages[i]
			if page.HeaderText == "" && gw != nil {
				probe, err := headerProbe(ctx, gw, rs.RateLimitKey, page)
				if err != nil {
					return StageResult{}, fmt.Errorf("pipeline: index: header probe for page %d: %w", page.Index, err)
				}
				page.HeaderText = probe
			}
			labels := pf.MatchedLabels(page.HeaderText)

			switch {
			case len(labels) > 0:
				studentID := labels[0]
				page.StudentID = studentID
				if current != nil && current.StudentID == studentID {
					current.EndPage = page.Index
					continue
				}
				if current != nil {
					boundaries = append(boundaries, *current)
				}
				current = &types.StudentBoundary{
					StudentID:  studentID,
					StartPage:  page.Index,
					EndPage:    page.Index,
					Source:     types.BoundarySourceHeaderMatch,
					Confidence: 1.0,
				}

			case current != nil:
				// No header match: this page continues the current
				// student's submission. The boundary keeps whatever
				// Source it started with; an inferred continuation page
				// doesn't downgrade a header-matched boundary.
				page.StudentID = current.StudentID
				current.EndPage = page.Index

			default:
				// No header match and no boundary open yet: unidentified
				// leading pages, left unassigned for logic_review to flag.
				page.StudentID = ""
			}
		}
		if current != nil {
			boundaries = append(boundaries, *current)
		}

		sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].StartPage < boundaries[j].StartPage })
		rs.Boundaries = boundaries

		units := buildGradingUnits(rs)
		rs.Units = units

		emit(ctx, log, rs.Run.ID, types.EventStageCompleted,
			fmt.Sprintf("%d student boundaries, %d grading units", len(boundaries), len(units)), nil)
		return StageResult{Stage: "index", Message: fmt.Sprintf("%d boundaries", len(boundaries))}, nil
	}
}

// headerProbe asks the gateway to transcribe whatever name/ID/date text
// appears in the top third of a page, so the Aho-Corasick matcher below has
// something to run against even when intake never received OCR'd text.
func headerProbe(ctx context.Context, gw *gateway.Gateway, rateLimitKey string, page *PageImage) (string, error) {
	conv := llm.NewConversation().WithSystem(headerProbeSystemPrompt)
	conv.AddImagePrompt("Transcribe any header text at the top of this page.",
		llm.Image{Data: page.Image, MimeType: page.MimeType})

	resp, err := gw.Call(ctx, rateLimitKey, gateway.Request{
		Kind:         gateway.RequestKindPageDescribe,
		Conversation: conv,
		MaxTokens:    200,
		Temperature:  0,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// buildGradingUnits forms one GradingUnit per (student, question), backed
// by every page in that student's boundary, per spec's grade_batch input
// shape.
func buildGradingUnits(rs *RunState) []types.GradingUnit {
	var units []types.GradingUnit
	for _, b := range rs.Boundaries {
		pages := make([]int, 0, b.PageCount())
		for p := b.StartPage; p <= b.EndPage; p++ {
			pages = append(pages, p)
		}

		pageFingerprints := make([]string, 0, len(pages))
		for _, p := range pages {
			if p >= 0 && p < len(rs.Pages) {
				pageFingerprints = append(pageFingerprints, rs.Pages[p].Fingerprint)
			}
		}

		for _, q := range rs.Rubric.Questions {
			unitFingerprint := fingerprint.Key(append([]string{b.StudentID, q.ID}, pageFingerprints...)...)
			units = append(units, types.GradingUnit{
				ID:          fingerprint.Key(b.StudentID, q.ID, rs.Run.ID),
				RunID:       rs.Run.ID,
				StudentID:   b.StudentID,
				QuestionID:  q.ID,
				Pages:       pages,
				Fingerprint: unitFingerprint,
			})
		}
	}
	return units
}
