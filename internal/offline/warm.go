package offline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startWarmLoop periodically feeds sitemap URLs into the active worker's
// runtime cache, the same batch path a CACHE_URLS message takes.
func (s *Service) startWarmLoop() {
	if len(s.cfg.Warm.Sitemaps) == 0 {
		return
	}
	initDelay := s.cfg.WarmInitialDelay()
	period := s.cfg.WarmEvery()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		s.warmOnceFromSitemaps()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.warmOnceFromSitemaps()
			}
		}
	}()
}

func (s *Service) warmOnceFromSitemaps() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	active := s.reg.Active()
	if active == nil {
		return
	}
	urls, err := s.discoverURLs(ctx)
	if err != nil {
		s.log.Warn("sitemap discovery failed", zap.Error(err))
		return
	}
	if err := active.CacheURLs(ctx, urls); err != nil {
		s.metrics.observeWarmup("failed")
		s.log.Error("sitemap warmup failed", zap.Int("urls", len(urls)), zap.Error(err))
		return
	}
	s.metrics.observeWarmup("ok")
	s.log.Info("sitemap warmup complete", zap.Int("urls", len(urls)))
}

// discoverURLs walks the configured sitemaps, following nested sitemap
// indexes, and returns the same-origin page URLs they list.
func (s *Service) discoverURLs(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(s.cfg.Warm.Sitemaps))
	for _, sm := range s.cfg.Warm.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.absoluteURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			u := s.sameOriginURL(loc)
			if u == "" {
				continue
			}
			if _, ok := seenURLs[u]; ok {
				continue
			}
			seenURLs[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Service) absoluteURL(u string) string {
	ref, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return u
	}
	return s.origin.ResolveReference(ref).String()
}

func (s *Service) sameOriginURL(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	u := s.origin.ResolveReference(ref)
	if u.Host != s.origin.Host {
		return ""
	}
	return u.String()
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so only trust the magic bytes.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
