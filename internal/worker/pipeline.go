package worker

import "context"

// Page is an opaque rasterized page handed between pipeline stages.
type Page []byte

// The pipeline stages are external collaborators. Each owns its own
// timeouts; the orchestrator only routes failures.

type Converter interface {
	ConvertToImages(ctx context.Context, fileRef string) ([]Page, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, page Page, language string) (text string, confidence float64, err error)
}

type MetadataExtractor interface {
	Extract(ctx context.Context, fullText string) (map[string]any, error)
}

type Categorizer interface {
	Categorize(ctx context.Context, fullText string, metadata map[string]any) (string, error)
}

// Pipeline bundles the stages. Metadata and Categorizer may be nil; those
// stages are then skipped.
type Pipeline struct {
	Converter Converter
	OCR       TextExtractor
	Metadata  MetadataExtractor
	Category  Categorizer
}

// permanentError marks a stage failure that must not consume retries.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps a stage error so the failure path dead-letters the task
// immediately instead of re-enqueuing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	for err != nil {
		if _, ok := err.(*permanentError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
