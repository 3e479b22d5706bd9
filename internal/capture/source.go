package capture

import (
	"context"
	"fmt"
	"os"

	appLog "studycal/internal/log"
	"studycal/internal/wire"
)

// Source yields the decoded calendar payload for one synchronization pass.
type Source interface {
	Fetch(ctx context.Context) (wire.Payload, error)
}

// Fetch collects callback frames and returns the first that decodes.
func (c *Collector) Fetch(ctx context.Context) (wire.Payload, error) {
	frames, err := c.Collect(ctx)
	if err != nil {
		return wire.Payload{}, err
	}
	return decodeFrames(frames)
}

// FileSource replays a previously captured response body from disk. It is
// used for offline runs (-payload) and tests.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(ctx context.Context) (wire.Payload, error) {
	if err := ctx.Err(); err != nil {
		return wire.Payload{}, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return wire.Payload{}, fmt.Errorf("capture: read payload file: %w", err)
	}
	return decodeFrames([]Frame{{URL: f.Path, Body: b}})
}

func decodeFrames(frames []Frame) (wire.Payload, error) {
	bodies := make([][]byte, len(frames))
	for i, fr := range frames {
		bodies[i] = fr.Body
	}
	payload, idx, err := wire.DecodeFirst(bodies)
	if err != nil {
		return wire.Payload{}, fmt.Errorf("capture: %d frame(s), none decoded: %w", len(frames), err)
	}
	appLog.Debug("capture: payload decoded",
		"frame", idx,
		"url", appLog.RedactURL(frames[idx].URL),
		"events", len(payload.Events),
	)
	return payload, nil
}
