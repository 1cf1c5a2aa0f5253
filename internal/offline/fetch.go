package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher performs real network requests. Implementations must return a fully
// buffered Entry; a non-2xx status is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (Entry, error)
}

type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

func NewHTTPFetcher(client *http.Client, maxBody int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, maxBody: maxBody}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return Entry{}, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	// Stored bodies are replayed verbatim, so ask for them unencoded.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	if f.maxBody > 0 {
		rd = io.LimitReader(resp.Body, f.maxBody+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return Entry{}, err
	}
	if f.maxBody > 0 && int64(len(b)) > f.maxBody {
		return Entry{}, fmt.Errorf("response body exceeds %s", formatBytes(uint64(f.maxBody)))
	}

	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().UnixNano(),
	}
	ent.Header.Del("Content-Length")
	removeHopHeaders(ent.Header)
	return ent, nil
}
