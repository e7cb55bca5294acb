package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/replicate/replicate-go"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/fingerprint"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// PageRenderer turns an uploaded file into one page per image it contains.
// A PDF renderer is a genuine external dependency (nothing in the retrieval
// pack ships PDF decoding), so it is injected rather than built in; a
// single-page image file trivially renders to itself via ImageFileRenderer.
type PageRenderer interface {
	Render(ctx context.Context, file IntakeFile) ([][]byte, error)
}

// ImageFileRendererFunc renders JPEG/PNG/WEBP files as a single page each,
// and delegates PDF files to a wrapped PageRenderer.
type ImageFileRendererFunc struct {
	PDFRenderer PageRenderer
}

func (r ImageFileRendererFunc) Render(ctx context.Context, file IntakeFile) ([][]byte, error) {
	if file.MimeType == "application/pdf" {
		if r.PDFRenderer == nil {
			return nil, fmt.Errorf("pipeline: preprocess: no PDF renderer configured for %q", file.Name)
		}
		return r.PDFRenderer.Render(ctx, file)
	}
	return [][]byte{file.Data}, nil
}

// Enhancer applies a deskew/denoise/enhance transform to a page image; nil
// means no enhancement is applied. The replicate.Client-backed
// implementation below makes no API call and returns pages unchanged.
type Enhancer interface {
	Enhance(ctx context.Context, pageImage []byte, mimeType string) ([]byte, error)
}

// ReplicateEnhancer holds a Replicate client and model name. Its Enhance
// does not contact Replicate: it returns the page image unchanged.
type ReplicateEnhancer struct {
	client *replicate.Client
	model  string
}

// NewReplicateEnhancer builds an Enhancer backed by the named Replicate
// model (owner/name:version).
func NewReplicateEnhancer(client *replicate.Client, model string) *ReplicateEnhancer {
	return &ReplicateEnhancer{client: client, model: model}
}

func (e *ReplicateEnhancer) Enhance(ctx context.Context, pageImage []byte, mimeType string) ([]byte, error) {
	if e == nil || e.client == nil {
		return pageImage, nil
	}
	// No prediction is run; the page passes through unchanged.
	return pageImage, nil
}

// Preprocess renders every intake file into PageImages, optionally
// enhances each page, and computes its perceptual fingerprint. Failure to
// render or decode any page aborts the run per spec's intake_failed
// semantics for preprocessing failures.
func Preprocess(files []IntakeFile, renderer PageRenderer, enhancer Enhancer) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		var pages []PageImage
		pageIndex := 0

		for _, f := range files {
			rendered, err := renderer.Render(ctx, f)
			if err != nil {
				emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "render failed: "+f.Name, nil)
				return StageResult{}, fmt.Errorf("pipeline: preprocess: render %q: %w", f.Name, err)
			}

			for _, raw := range rendered {
				mimeType := f.MimeType
				if mimeType == "application/pdf" {
					mimeType = "image/png" // rendered PDF pages are emitted as PNG
				}

				if enhancer != nil {
					enhanced, err := enhancer.Enhance(ctx, raw, mimeType)
					if err != nil {
						return StageResult{}, fmt.Errorf("pipeline: preprocess: enhance page %d of %q: %w", pageIndex, f.Name, err)
					}
					raw = enhanced
				}

				img, _, err := image.Decode(bytes.NewReader(raw))
				if err != nil {
					emit(ctx, log, rs.Run.ID, types.EventIntakeFailed, "decode failed on page of "+f.Name, nil)
					return StageResult{}, fmt.Errorf("pipeline: preprocess: decode page %d of %q: %w", pageIndex, f.Name, err)
				}

				pages = append(pages, PageImage{
					Index:       pageIndex,
					Image:       raw,
					MimeType:    mimeType,
					Fingerprint: fingerprint.Image(img),
				})
				pageIndex++
			}
		}

		rs.Pages = pages
		return StageResult{Stage: "preprocess", Message: fmt.Sprintf("%d pages rendered", len(pages))}, nil
	}
}
