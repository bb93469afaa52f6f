package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a URL. A false second return means the page is absent;
// the implementation has already logged why.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, bool)
}

// Store is the relational record of crawl entities.
//
// The Save* methods check for an existing natural key and then insert. The
// check and the insert are not atomic, so a Store must have a single writer.
type Store interface {
	SaveCode(ctx context.Context, code, url string) error
	PendingCodes(ctx context.Context) ([]Code, error)
	UpdateCodeStatus(ctx context.Context, id int64, status Status) error

	SaveName(ctx context.Context, code, name, url string) error
	PendingNames(ctx context.Context) ([]Name, error)
	UpdateNameStatus(ctx context.Context, id int64, status Status) error

	SaveRawContent(ctx context.Context, productName, bodyHTML string) error
	SaveFileRecord(ctx context.Context, productName, fileID, fileURL string) error
	CountRawContent(ctx context.Context) (int64, error)

	RequeueErrors(ctx context.Context, target RequeueTarget) (RequeueResult, error)
	Stats(ctx context.Context) (Stats, error)
	Close()
}

// ObjectStore keeps downloaded file payloads.
type ObjectStore interface {
	// SaveFile uploads data and returns an opaque id for later retrieval.
	SaveFile(ctx context.Context, data []byte, meta FileMetadata) (string, error)
	// GetFile returns false when the id cannot be read for any reason.
	GetFile(ctx context.Context, fileID string) ([]byte, bool)
}

// Publisher pushes archive notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Observer receives counters after every completed or failed unit of work.
type Observer interface {
	Observe(c Counters)
}

// StopSignal is polled between units of work.
type StopSignal interface {
	StopRequested() bool
}

// Hasher computes digests for stored file metadata.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and object ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
