package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	appLog "studycal/internal/log"
)

// Default capture parameters for the calendar web app.
const (
	DefaultCallbackPattern = "callback?"
	DefaultTimeout         = 30 * time.Second
	DefaultSettle          = 2 * time.Second
)

// ErrNoPayload means the page loaded but no callback response was seen.
var ErrNoPayload = errors.New("capture: no callback responses captured")

// Frame is one captured callback response body.
type Frame struct {
	URL  string
	Body []byte
}

// Collector drives a headless Chromium against the calendar web app and
// records the bodies of the data callbacks the page issues while loading.
type Collector struct {
	// URL of the published calendar page.
	URL string

	// CallbackPattern selects responses by substring of their URL. If
	// empty, DefaultCallbackPattern is used.
	CallbackPattern string

	// Timeout bounds the entire capture operation, browser start included.
	Timeout time.Duration

	// Settle is how long to keep listening after navigation returns, so
	// late XHRs are still recorded.
	Settle time.Duration

	// ExecPath optionally points at a specific chrome/chromium binary.
	ExecPath string
}

type pending struct {
	url      string
	finished bool
}

// Collect returns the bodies of every matching response that finished
// loading, in the order the responses arrived.
func (c *Collector) Collect(parentCtx context.Context) ([]Frame, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("capture: URL is required")
	}
	pattern := c.CallbackPattern
	if pattern == "" {
		pattern = DefaultCallbackPattern
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	settle := c.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(parentCtx, timeout)
	defer timeoutCancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, opts...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var (
		mu    sync.Mutex
		order []network.RequestID
		seen  = map[network.RequestID]*pending{}
	)
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Response == nil || !strings.Contains(e.Response.URL, pattern) {
				return
			}
			mu.Lock()
			if _, ok := seen[e.RequestID]; !ok {
				order = append(order, e.RequestID)
				seen[e.RequestID] = &pending{url: e.Response.URL}
			}
			mu.Unlock()
		case *network.EventLoadingFinished:
			mu.Lock()
			if p, ok := seen[e.RequestID]; ok {
				p.finished = true
			}
			mu.Unlock()
		}
	})

	appLog.Info("capture: loading calendar page", "url", appLog.RedactURL(c.URL))

	var frames []Frame
	err := chromedp.Run(ctx,
		network.Enable(),
		chromedp.Navigate(c.URL),
		chromedp.Sleep(settle),
		chromedp.ActionFunc(func(ctx context.Context) error {
			mu.Lock()
			ids := append([]network.RequestID(nil), order...)
			mu.Unlock()

			for _, id := range ids {
				mu.Lock()
				p := *seen[id]
				mu.Unlock()
				if !p.finished {
					appLog.Debug("capture: response still loading, skipped", "request", string(id))
					continue
				}
				body, err := network.GetResponseBody(id).Do(ctx)
				if err != nil {
					appLog.Warn("capture: read response body failed", "request", string(id), "err", err)
					continue
				}
				frames = append(frames, Frame{URL: p.url, Body: body})
			}
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrNoPayload
	}

	appLog.Info("capture: callback responses collected", "frames", len(frames))
	return frames, nil
}
