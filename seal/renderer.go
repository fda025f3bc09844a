package seal

import (
	"context"

	"github.com/sealdoc/sealdoc/storage"
)

// Renderer rebuilds document bytes before sealing: burning visual field
// content, flattening annotations and appending trailing pages, or stamping
// a rejection notice. It runs strictly before any signature is applied to
// the rebuilt bytes, because changing covered bytes afterwards would
// invalidate every signature cryptographically.
type Renderer interface {
	Flatten(ctx context.Context, original []byte, doc *storage.Document) ([]byte, error)
	StampRejection(ctx context.Context, original []byte, doc *storage.Document) ([]byte, error)
}

// PassthroughRenderer returns the original bytes unchanged. It stands in
// when no visual rendering collaborator is deployed and in tests.
type PassthroughRenderer struct{}

func (PassthroughRenderer) Flatten(_ context.Context, original []byte, _ *storage.Document) ([]byte, error) {
	return original, nil
}

func (PassthroughRenderer) StampRejection(_ context.Context, original []byte, _ *storage.Document) ([]byte, error) {
	return original, nil
}
