package upos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

const uposScheme = "upos://"

// Session is the pre-negotiated upload descriptor returned by the pre-upload API.
type Session struct {
	ChunkSize int64           `json:"chunk_size"`
	Auth      string          `json:"auth"`
	Endpoint  string          `json:"endpoint"`
	UposURI   string          `json:"upos_uri"`
	BizID     json.RawMessage `json:"biz_id"`
}

// ParseSession decodes and validates a session descriptor.
func ParseSession(data []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := session.Validate(); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Validate checks the fields required to run an upload.
func (s Session) Validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	if !strings.HasPrefix(s.UposURI, uposScheme) {
		return fmt.Errorf("invalid upos uri: %q", s.UposURI)
	}
	if s.Path() == "" {
		return fmt.Errorf("upos uri has no path: %q", s.UposURI)
	}
	return nil
}

// Path returns the storage path of the object, without the upos scheme.
func (s Session) Path() string {
	return strings.TrimPrefix(s.UposURI, uposScheme)
}

// BaseURL returns the upload URL all requests of the session are sent to.
func (s Session) BaseURL() string {
	return fmt.Sprintf("https:%s/%s", s.Endpoint, s.Path())
}

// ObjectName returns the object identifier: the file stem of the storage path.
func (s Session) ObjectName() string {
	return fileStem(s.Path())
}

// BizIDParam renders the opaque biz id as a query parameter value:
// JSON strings are unquoted, other values are passed through verbatim.
func (s Session) BizIDParam() string {
	raw := bytes.TrimSpace(s.BizID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var str string
	if raw[0] == '"' && json.Unmarshal(raw, &str) == nil {
		return str
	}
	return string(raw)
}

// ChunkCount returns the number of parts a file of the given size is split into.
func (s Session) ChunkCount(totalSize int64) int {
	if totalSize <= 0 {
		return 0
	}
	return int((totalSize + s.ChunkSize - 1) / s.ChunkSize)
}

func fileStem(p string) string {
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
