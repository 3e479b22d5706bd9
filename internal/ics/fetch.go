package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "studycal/internal/log"
)

// Feed is one supplementary ICS subscription.
type Feed struct {
	ID   string
	Name string
	URL  string
	// Activity, when set, labels every occurrence of the feed.
	Activity string
}

// Body is the ICS document of a feed as last seen, fresh or cached.
type Body struct {
	Feed   Feed
	Data   []byte
	Cached bool
}

type validators struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body per URL on disk, so an upstream outage degrades to stale data.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir. A nil client uses a
// 15 second timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./data/ics-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch retrieves one feed. Network errors and non-2xx statuses fall back
// to the cached body when one exists.
func (f *Fetcher) Fetch(ctx context.Context, feed Feed) (Body, error) {
	if feed.URL == "" {
		return Body{}, errors.New("ics: feed URL is empty")
	}

	dir := f.entryDir(feed.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Body{}, err
	}
	prev, _ := readValidators(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return Body{}, err
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	redacted := appLog.RedactURL(feed.URL)
	appLog.Debug("ics fetch start", "feed", feed.ID, "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Warn("ics fetch failed, using cached body", "feed", feed.ID, "url", redacted, "err", err)
			return Body{Feed: feed, Data: cached, Cached: true}, nil
		}
		return Body{}, fmt.Errorf("ics: fetch %s: %w", feed.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return Body{}, fmt.Errorf("ics: %s answered 304 without a cached body", feed.ID)
		}
		appLog.Debug("ics feed not modified", "feed", feed.ID)
		return Body{Feed: feed, Data: cached, Cached: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Body{}, err
		}
		next := validators{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := writeCache(dir, next, data); err != nil {
			appLog.Error("ics cache write failed", err, "feed", feed.ID)
		}
		appLog.Info("ics feed fetched", "feed", feed.ID, "url", redacted, "bytes", len(data))
		return Body{Feed: feed, Data: data}, nil

	default:
		if len(cached) > 0 {
			appLog.Warn("ics fetch non-OK, using cached body", "feed", feed.ID, "status", resp.StatusCode)
			return Body{Feed: feed, Data: cached, Cached: true}, nil
		}
		return Body{}, fmt.Errorf("ics: fetch %s: %s", feed.ID, resp.Status)
	}
}

func (f *Fetcher) entryDir(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readValidators(dir string) (validators, error) {
	var v validators
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

// writeCache writes the body before the validators so the metadata never
// points at a missing body.
func writeCache(dir string, v validators, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	v.StoredAt = time.Now().UTC()
	b, err := json.MarshalIndent(&v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o600)
}
