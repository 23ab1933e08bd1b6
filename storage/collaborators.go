package storage

import (
	"context"
	"encoding/json"

	"github.com/padsign/padsign/domain"
)

// BlobRenderer serves pre-rendered documents out of a blob store, keyed
// by record id. Deployments that render on the fly plug their own
// DocumentRenderer instead.
type BlobRenderer struct {
	blobs domain.BlobStore
}

// NewBlobRenderer creates a renderer backed by pre-uploaded documents.
func NewBlobRenderer(blobs domain.BlobStore) *BlobRenderer {
	return &BlobRenderer{blobs: blobs}
}

func (r *BlobRenderer) Render(ctx context.Context, recordID string) ([]byte, error) {
	return r.blobs.Retrieve(ctx, recordID)
}

// EnvelopeCompositor packages the document and signature image into a
// JSON envelope instead of stamping the page. Used when no PDF
// compositor is deployed; a downstream processor does the actual
// stamping from the envelope.
type EnvelopeCompositor struct{}

type signatureEnvelope struct {
	Document  []byte                     `json:"document"`
	Signature []byte                     `json:"signature"`
	Placement *domain.SignaturePlacement `json:"placement,omitempty"`
}

func (EnvelopeCompositor) ApplySignature(_ context.Context, documentBytes, signatureImage []byte, placement *domain.SignaturePlacement) ([]byte, error) {
	return json.Marshal(signatureEnvelope{
		Document:  documentBytes,
		Signature: signatureImage,
		Placement: placement,
	})
}

var (
	_ domain.DocumentRenderer    = (*BlobRenderer)(nil)
	_ domain.SignatureCompositor = EnvelopeCompositor{}
)
