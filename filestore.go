package fabric

import "context"

// FileStore abstracts where the file transfer receiver archives committed
// uploads: a plain folder tree, an erasure-coded spread across drives, or an
// S3 bucket. Paths are store-relative, using forward slashes.
type FileStore interface {
	// Store persists data under relativePath, overwriting any prior content.
	Store(ctx context.Context, relativePath string, data []byte) error
	// Fetch reads the full content stored under relativePath.
	Fetch(ctx context.Context, relativePath string) ([]byte, error)
	// Remove deletes the entry under relativePath, if present.
	Remove(ctx context.Context, relativePath string) error
	// Exists reports whether relativePath holds content.
	Exists(ctx context.Context, relativePath string) bool
}
