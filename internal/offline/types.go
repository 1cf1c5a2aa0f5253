package offline

import (
	"net/http"
	"net/textproto"
	"strings"
)

// Entry is a fully buffered response. Bodies are read once at fetch time so
// the same entry can be stored and returned without consuming anything twice.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
}

// Clone returns a copy that shares no memory with e.
func (e Entry) Clone() Entry {
	out := Entry{Status: e.Status, StoredAt: e.StoredAt, Header: cloneHeader(e.Header)}
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Generation names one precache/runtime store pair.
type Generation struct {
	ID     string
	Prefix string
}

func (g Generation) PrecacheName() string { return g.Prefix + g.ID + "-precache" }
func (g Generation) RuntimeName() string { return g.Prefix + g.ID + "-runtime" }

// Current reports whether a store name belongs to this generation.
func (g Generation) Current(store string) bool {
	return store == g.PrecacheName() || store == g.RuntimeName()
}

// Outcome is what the worker did with a request. It is reported to clients in
// the X-Appshell response header.
type Outcome string

const (
	OutcomePassthrough Outcome = "passthrough"
	OutcomeNetworkOnly Outcome = "network-only"
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeUncached    Outcome = "uncached"
	OutcomeFallback    Outcome = "fallback"
	OutcomeUnavailable Outcome = "unavailable"
)

// RequestKey is the cache identity of a request: method and absolute URL.
func RequestKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

// hopHeaders only apply to one connection and are never forwarded (RFC 7230
// section 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// removeClientState drops headers that bind a response to the client that
// caused it. Cached entries are shared by every client.
func removeClientState(h http.Header) {
	h.Del("Set-Cookie")
	h.Del("Set-Cookie2")
}
