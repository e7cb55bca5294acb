package pipeline

import (
	"context"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const (
	maxFileBytes = 50 * 1024 * 1024
	maxPDFPages  = 80
)

var supportedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
}

// IntakeFile is one uploaded file before any page rendering happens.
type IntakeFile struct {
	Name     string
	MimeType string
	Data     []byte
	// PageCount is only meaningful for application/pdf; 0 for image files.
	PageCount int
}

// Intake validates the uploaded batch: non-empty, supported mime types,
// size ceiling, and PDF page-count truncation. It does not render pages
// (that is preprocess's job); it only decides whether the batch is
// well-formed enough to proceed.
func Intake(files []IntakeFile) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		if len(files) == 0 {
			emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "no files submitted", nil)
			return StageResult{}, fmt.Errorf("pipeline: intake: no files submitted")
		}

		truncated := 0
		for i := range files {
			f := &files[i]
			if len(f.Data) == 0 {
				emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "empty file: "+f.Name, nil)
				return StageResult{}, fmt.Errorf("pipeline: intake: %q is empty", f.Name)
			}
			if !supportedMimeTypes[f.MimeType] {
				emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "unsupported file type: "+f.MimeType, nil)
				return StageResult{}, fmt.Errorf("pipeline: intake: %q has unsupported type %q", f.Name, f.MimeType)
			}
			if len(f.Data) > maxFileBytes {
				emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "file too large: "+f.Name, nil)
				return StageResult{}, fmt.Errorf("pipeline: intake: %q exceeds %d bytes", f.Name, maxFileBytes)
			}
			if f.MimeType == "application/pdf" && f.PageCount > maxPDFPages {
				f.PageCount = maxPDFPages
				truncated++
			}
		}

		if truncated > 0 {
			emit(ctx, log, rs.Run.ID, types.EventIntakeTruncated,
				fmt.Sprintf("%d PDF(s) truncated to %d pages", truncated, maxPDFPages), nil)
		}

		emit(ctx, log, rs.Run.ID, types.EventIntakeCompleted,
			fmt.Sprintf("%d file(s) accepted", len(files)), nil)
		return StageResult{Stage: "intake", Message: fmt.Sprintf("%d files accepted", len(files))}, nil
	}
}
