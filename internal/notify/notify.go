// Package notify delivers rendered digest text to the single configured
// destination.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	appLog "studycal/internal/log"
)

// ErrPartialDelivery means a multi-part message was cut off after some of
// its parts reached the recipient. Resending would duplicate those parts.
var ErrPartialDelivery = errors.New("notify: message partially delivered")

// Channel sends one message. Implementations must be safe for concurrent
// use by independent scheduler jobs.
type Channel interface {
	Send(ctx context.Context, text string) error
}

// Writer prints messages instead of delivering them; used for -dry-run and
// when no bot token is configured.
type Writer struct {
	mu  sync.Mutex
	Out io.Writer
}

func (w *Writer) Send(ctx context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Out == nil {
		appLog.Info("notify: dry-run message", "chars", len([]rune(text)))
		return nil
	}
	_, err := fmt.Fprintf(w.Out, "----- message -----\n%s\n", text)
	return err
}

const errorNoticeTimeout = 15 * time.Second

// SendError delivers a best-effort failure notice. Its own delivery error
// is logged and dropped. The notice runs on its own deadline, detached from
// ctx's cancellation, since the failure being reported is often ctx expiring.
func SendError(ctx context.Context, ch Channel, title string, cause error) {
	if ch == nil || cause == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), errorNoticeTimeout)
	defer cancel()
	text := fmt.Sprintf("⚠️ Error: %s\n%v", title, cause)
	if err := ch.Send(ctx, text); err != nil {
		appLog.Warn("notify: error notice not delivered", "title", title, "err", err)
	}
}
