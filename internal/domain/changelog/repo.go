package changelog

import (
	"context"
)

// Repository stores pending change entries. The implementation lives in
// infrastructure/storage/sqlite.
type Repository interface {
	// Append adds an entry within the transaction carried by ctx.
	Append(ctx context.Context, entry Entry) error

	// ListPending returns all entries ordered by txid ascending.
	ListPending(ctx context.Context) ([]Entry, error)

	// Count returns the number of pending entries.
	Count(ctx context.Context) (int64, error)

	// DeleteByTxids removes the entries acknowledged per-item.
	DeleteByTxids(ctx context.Context, txids []int64) error

	// DeleteThrough clears every entry up to and including maxTxid after a
	// fully acknowledged batch. Entries appended while the upload was in
	// flight stay queued.
	DeleteThrough(ctx context.Context, maxTxid int64) error
}
