package crawler

import (
	"errors"
	"net/http"
	"time"
)

// Status represents the lifecycle state of a Code or Name row.
type Status string

// Status values persisted in the relational store.
const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether s is one of the end states a pending row may move to.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update would leave the pending state
	// for something other than done/error, or touch a row that is no longer pending.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Code is one catalog entry discovered from the site root.
type Code struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Name is one product page found under a Code.
type Name struct {
	ID          int64     `json:"id"`
	ProductCode string    `json:"product_code"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RawContent is the archived main-content HTML of a product page.
type RawContent struct {
	ID          int64     `json:"id"`
	ProductName string    `json:"product_name"`
	BodyHTML    string    `json:"body_html"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileRecord links a product to one stored file.
type FileRecord struct {
	ID          int64     `json:"id"`
	ProductName string    `json:"product_name"`
	FileID      string    `json:"file_id"`
	FileURL     string    `json:"file_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileMetadata travels with a payload into the object store.
type FileMetadata struct {
	OriginalURL string `json:"original_url" bson:"original_url"`
	ProductName string `json:"product_name" bson:"product_name"`
	Filename    string `json:"filename" bson:"filename"`
	ContentType string `json:"content_type" bson:"content_type"`
	Size        int64  `json:"size" bson:"size"`
	SHA256      string `json:"sha256,omitempty" bson:"sha256,omitempty"`
}

// CodeLink is a code discovered on the catalog root page.
type CodeLink struct {
	Code string
	URL  string
}

// NameLink is a product page link found on a code page.
type NameLink struct {
	Title string
	URL   string
	Code  string
}

// Page is a successfully fetched document.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
}

// Counters are reported to the observer after each unit of work.
type Counters struct {
	CodesProcessed  int `json:"codes_processed"`
	NamesProcessed  int `json:"names_processed"`
	FilesDownloaded int `json:"files_downloaded"`
	Errors          int `json:"errors"`
}

// StatusCount groups row counts by status for one table.
type StatusCount struct {
	Pending int64 `json:"pending"`
	Done    int64 `json:"done"`
	Error   int64 `json:"error"`
}

// Stats summarizes the relational store.
type Stats struct {
	Codes      StatusCount `json:"codes"`
	Names      StatusCount `json:"names"`
	RawContent int64       `json:"raw_content"`
	Files      int64       `json:"files"`
}

// RequeueTarget selects which tables a requeue touches.
type RequeueTarget struct {
	Codes bool
	Names bool
}

// RequeueResult reports how many rows moved from error back to pending.
type RequeueResult struct {
	Codes int64 `json:"codes"`
	Names int64 `json:"names"`
}
