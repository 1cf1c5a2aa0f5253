package offline

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sitemapIndex = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://app.test/sitemap-pages.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`

const sitemapPages = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://app.test/chat</loc></url>
  <url><loc> /settings </loc></url>
  <url><loc>http://app.test/chat</loc></url>
  <url><loc>https://cdn.example.com/logo.png</loc></url>
</urlset>`

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func warmService(t *testing.T, f *fakeFetcher) (*Service, *httpmock.MockTransport) {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfig + "warm:\n  sitemaps: [/sitemap.xml]\n"))
	require.NoError(t, err)
	seedAssets(f, "v1", testPrecache...)

	mt := httpmock.NewMockTransport()
	s, err := NewService(cfg, zap.NewNop(), WithFetcher(f), WithHTTPClient(&http.Client{Transport: mt}))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, mt
}

func TestDiscoverURLsFollowsNestedSitemaps(t *testing.T) {
	s, mt := warmService(t, newFakeFetcher())
	mt.RegisterResponder(http.MethodGet, testOrigin+"/sitemap.xml", httpmock.NewStringResponder(http.StatusOK, sitemapIndex))
	mt.RegisterResponder(http.MethodGet, testOrigin+"/sitemap-pages.xml.gz", httpmock.NewBytesResponder(http.StatusOK, gzipped(t, sitemapPages)))

	urls, err := s.discoverURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{testOrigin + "/chat", testOrigin + "/settings"}, urls)
	assert.Equal(t, 1, mt.GetCallCountInfo()["GET "+testOrigin+"/sitemap.xml"])
}

func TestDiscoverURLsFailsOnBadStatus(t *testing.T) {
	s, mt := warmService(t, newFakeFetcher())
	mt.RegisterResponder(http.MethodGet, testOrigin+"/sitemap.xml", httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := s.discoverURLs(context.Background())
	assert.ErrorContains(t, err, "unexpected status 500")
}

func TestWarmFillsRuntimeCache(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set(testOrigin+"/chat", page(http.StatusOK, "text/html", "chat"))
	f.set(testOrigin+"/settings", page(http.StatusOK, "text/html", "settings"))
	s, mt := warmService(t, f)
	mt.RegisterResponder(http.MethodGet, testOrigin+"/sitemap.xml", httpmock.NewStringResponder(http.StatusOK, sitemapPages))

	_, err := s.Register(ctx, DefaultScriptPath)
	require.NoError(t, err)
	s.warmOnceFromSitemaps()

	for _, p := range []string{"/chat", "/settings"} {
		body, ok := storedBody(t, s.storage, "app-v1-runtime", testOrigin+p)
		assert.True(t, ok, p)
		assert.Equal(t, p[1:], body)
	}
}
