package upos

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
)

// PlaceholderTag is committed for parts whose response carries no ETag.
// UPOS endpoints accept it since they verify parts by number and size.
const PlaceholderTag = "etag"

// TagFunc extracts the integrity tag of a successfully uploaded part from the response.
type TagFunc func(resp *http.Response, chunk Chunk) (string, error)

// HeaderOrPlaceholderTag uses the ETag response header, falling back to PlaceholderTag.
func HeaderOrPlaceholderTag(resp *http.Response, _ Chunk) (string, error) {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return PlaceholderTag, nil
}

// RequireETag uses the ETag response header and fails if the backend didn't send one.
func RequireETag(resp *http.Response, chunk Chunk) (string, error) {
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("%w: no ETag in response of part %d", ErrFatal, chunk.PartNumber())
	}
	return etag, nil
}

// UploadPart PUTs one chunk. Retries happen inside the shared client; the error
// returned here is final.
func (b *HTTPBackend) UploadPart(ctx context.Context, upload Upload, chunk Chunk) (Part, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, b.baseURL+"?"+partQuery(upload, chunk).Encode(), chunk.Data)
	if err != nil {
		return Part{}, fmt.Errorf("%w: create request: %w", ErrFatal, err)
	}
	req.ContentLength = int64(chunk.Len())
	req.Header.Set("Content-Type", "application/octet-stream")

	b.dumpRequest("Part", req, false)

	resp, err := b.do(req)
	if err != nil {
		return Part{}, err
	}
	defer b.closeBody(resp.Body)

	tag, err := b.tagFunc(resp, chunk)
	if err != nil {
		return Part{}, err
	}

	return Part{PartNumber: chunk.PartNumber(), ETag: tag}, nil
}

func partQuery(upload Upload, chunk Chunk) url.Values {
	query := url.Values{}
	query.Set("uploadId", upload.ID)
	query.Set("chunks", strconv.Itoa(upload.ChunkCount))
	query.Set("total", formatInt(upload.TotalSize))
	query.Set("chunk", strconv.Itoa(chunk.Index))
	query.Set("size", strconv.Itoa(chunk.Len()))
	query.Set("partNumber", strconv.Itoa(chunk.PartNumber()))
	query.Set("start", formatInt(chunk.Offset))
	query.Set("end", formatInt(chunk.End()))
	return query
}
