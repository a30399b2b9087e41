package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/homestack/homestack/internal/apperr"
)

// ProgressDetail carries byte counts for one layer tick. Percent is nil when
// the total is unknown; that means "indeterminate" and must be rendered
// distinctly from 0.
type ProgressDetail struct {
	Current int64    `json:"current"`
	Total   int64    `json:"total"`
	Percent *float64 `json:"percent,omitempty"`
}

// PullEvent is one progress tick of an image pull, for one layer.
type PullEvent struct {
	Status         string          `json:"status"`
	ID             string          `json:"id,omitempty"`
	Progress       string          `json:"progress,omitempty"`
	ProgressDetail *ProgressDetail `json:"progressDetail,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// NormalizeProgress converts raw byte counts into a percent value rounded to
// two decimals, or nil when total is zero.
func NormalizeProgress(current, total int64) *float64 {
	if total <= 0 {
		return nil
	}
	pct := math.Round(float64(current)/float64(total)*100*100) / 100
	return &pct
}

// Pull pulls an image and streams decoded progress events to onEvent (which
// may be nil). The Engine responds with newline-delimited JSON; each line is
// decoded independently and a malformed line is skipped rather than killing
// the stream. Any event carrying a non-empty error field terminates the pull
// as failed, even if more lines are buffered.
func (c *Client) Pull(ctx context.Context, refStr string, onEvent func(PullEvent)) error {
	stream, err := c.pullStream(ctx, refStr)
	if err != nil {
		return apperr.Wrap(apperr.CodePullFailed, "pull "+refStr, err)
	}
	defer stream.Close()

	return consumePullStream(c.logger, refStr, stream, onEvent)
}

// consumePullStream decodes the Engine's progress stream line by line.
func consumePullStream(logger *slog.Logger, refStr string, stream io.Reader, onEvent func(PullEvent)) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev PullEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Debug("skipping malformed pull progress line", "image", refStr)
			continue
		}
		if ev.ProgressDetail != nil {
			ev.ProgressDetail.Percent = NormalizeProgress(ev.ProgressDetail.Current, ev.ProgressDetail.Total)
		}
		if ev.Error != "" {
			return apperr.New(apperr.CodePullFailed, ev.Error)
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.CodePullFailed, "pull stream for "+refStr, err)
	}
	return nil
}

// PullProgress aggregates per-layer progress into one overall percentage.
// Safe for use from a single Pull callback goroutine plus concurrent readers.
type PullProgress struct {
	mu     sync.Mutex
	layers map[string]*ProgressDetail
}

// NewPullProgress creates an empty aggregator.
func NewPullProgress() *PullProgress {
	return &PullProgress{layers: make(map[string]*ProgressDetail)}
}

// Observe records one event's layer progress.
func (p *PullProgress) Observe(ev PullEvent) {
	if ev.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Status {
	case "Pull complete", "Already exists":
		p.layers[ev.ID] = &ProgressDetail{Current: 1, Total: 1}
	default:
		if ev.ProgressDetail != nil && ev.ProgressDetail.Total > 0 {
			p.layers[ev.ID] = ev.ProgressDetail
		}
	}
}

// Percent returns the mean completion across all observed layers, rounded
// down to an integer, or 0 when nothing has been observed yet.
func (p *PullProgress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.layers) == 0 {
		return 0
	}
	var sum float64
	for _, d := range p.layers {
		if d.Total > 0 {
			sum += float64(d.Current) / float64(d.Total)
		}
	}
	return int(sum / float64(len(p.layers)) * 100)
}
