package domain

import "context"

// The protocol core consumes document handling, blob storage and
// credential checking as opaque capabilities. Implementations live at the
// edges (storage/, internal/auth/); the core never reimplements them.

// DocumentRenderer produces the unsigned source document for a business
// record.
type DocumentRenderer interface {
	Render(ctx context.Context, recordID string) ([]byte, error)
}

// SignaturePlacement positions a signature image on a document page.
type SignaturePlacement struct {
	Page int
	X    float64
	Y    float64
}

// SignatureCompositor stamps a captured signature image onto document
// bytes and returns the signed document.
type SignatureCompositor interface {
	ApplySignature(ctx context.Context, documentBytes, signatureImage []byte, placement *SignaturePlacement) ([]byte, error)
}

// BlobStore persists finalized artifacts durably.
type BlobStore interface {
	Store(ctx context.Context, data []byte, metadata map[string]string) (string, error)
	Retrieve(ctx context.Context, storageID string) ([]byte, error)
}

// Claims is the validated identity carried by a workstation credential.
type Claims struct {
	Subject  string
	TenantID string
	UserID   string
}

// CredentialValidator checks a workstation bearer token.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}
