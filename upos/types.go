// Package upos implements a chunked object upload client for UPOS-style storage endpoints.
// It splits a local file into fixed-size parts, uploads them in parallel with bounded
// concurrency and automatic retries, and commits the ordered part manifest.
package upos

import (
	"context"
	"time"
)

// Chunk is one contiguous slice of the source file.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Len returns the byte length of the chunk.
func (c Chunk) Len() int {
	return len(c.Data)
}

// PartNumber returns the 1-based part number the chunk is uploaded as.
func (c Chunk) PartNumber() int {
	return c.Index + 1
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// Part describes a successfully uploaded chunk.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// Upload is the server side context of one running upload.
type Upload struct {
	Session    Session
	ID         string
	TotalSize  int64
	ChunkCount int
}

// Progress is reported once per completed part.
type Progress struct {
	Start      time.Time
	Elapsed    time.Duration
	TotalBytes int64
	BytesSent  int
	PartNumber int
	Completed  int
	Total      int
}

// ProgressFunc receives progress events. Returning true requests cancellation of the upload.
type ProgressFunc func(Progress) bool

// ProgressCallback adapts a callback taking the upload start, the total size and the
// size of the part just sent.
func ProgressCallback(fn func(start time.Time, totalBytes int64, sent int) bool) ProgressFunc {
	return func(p Progress) bool {
		return fn(p.Start, p.TotalBytes, p.BytesSent)
	}
}

// Result is produced after a successful commit.
type Result struct {
	// ObjectName is the storage side identifier derived from the session's upos_uri.
	ObjectName string
	// Title is the source file name without extension.
	Title      string
	SourcePath string
}

// SessionOpener starts an upload session and returns the server upload id.
type SessionOpener interface {
	OpenSession(ctx context.Context, session Session) (string, error)
}

// PartUploader uploads a single chunk as one part.
// Implementations must be safe for concurrent use.
type PartUploader interface {
	UploadPart(ctx context.Context, upload Upload, chunk Chunk) (Part, error)
}

// Committer asks the storage to assemble the uploaded parts into the named object.
// Parts are passed sorted by part number.
type Committer interface {
	Commit(ctx context.Context, upload Upload, name string, parts []Part) error
}

// Backend is the storage side of a chunked upload.
type Backend interface {
	SessionOpener
	PartUploader
	Committer
}
