package pipeline

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/driver"
	"github.com/gatherline/eventpipe/internal/model"
)

// ScrollAgent walks a listing page downward until new items stop arriving.
type ScrollAgent struct {
	driver driver.PageDriver
	cfg    config.ScrollConfig
}

// NewScrollAgent creates a scroll discovery agent.
func NewScrollAgent(d driver.PageDriver, cfg config.ScrollConfig) *ScrollAgent {
	return &ScrollAgent{driver: d, cfg: cfg}
}

// Discover opens the listing page and scrolls until the candidate stream
// plateaus, the depth cap is hit, or the stage budget runs out. A budget
// expiry mid-scroll returns the candidates collected so far marked Partial
// instead of failing the stage.
func (a *ScrollAgent) Discover(ctx context.Context, sourceURL string) (*ScrollOutput, error) {
	log := zap.L().With(zap.String("source_url", sourceURL))

	session, err := a.driver.Open(ctx, sourceURL, a.cfg.ItemSelectors)
	if err != nil {
		return nil, eris.Wrap(err, "scroll: open listing")
	}
	defer func() {
		// The stage budget may already be spent; close on a fresh context.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := a.driver.Close(closeCtx, session); closeErr != nil {
			log.Warn("scroll: close session", zap.Error(closeErr))
		}
	}()

	out := &ScrollOutput{}
	seen := make(map[string]bool)

	sample, err := a.driver.Sample(ctx, session)
	if err != nil {
		return nil, eris.Wrap(err, "scroll: initial sample")
	}
	a.collect(out, seen, sample, 0)

	profile := a.cfg.ActiveProfile()
	idle := 0
	for depth := 1; depth <= a.cfg.MaxDepth; depth++ {
		if pauseErr := a.pause(ctx, profile); pauseErr != nil {
			out.Partial = true
			break
		}

		step, stepErr := a.driver.Scroll(ctx, session)
		if stepErr != nil {
			if ctx.Err() != nil {
				out.Partial = true
				break
			}
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageScrollDiscovery,
				SourceURL: sourceURL,
				Message:   stepErr.Error(),
			})
			// A reaped session cannot recover; keep what was collected.
			if eris.Is(stepErr, driver.ErrSessionExpired) {
				out.Partial = true
				break
			}
			// A failed step observed no new content; it counts toward the
			// plateau so a broken session cannot spin to the depth cap.
			idle++
			if idle >= a.cfg.IdleStopThreshold {
				break
			}
			continue
		}

		sample, sampleErr := a.driver.Sample(ctx, session)
		if sampleErr != nil {
			if ctx.Err() != nil {
				out.Partial = true
				break
			}
			out.Errors = append(out.Errors, model.PipelineError{
				Stage:     model.StageScrollDiscovery,
				SourceURL: sourceURL,
				Message:   sampleErr.Error(),
			})
			if eris.Is(sampleErr, driver.ErrSessionExpired) {
				out.Partial = true
				break
			}
			idle++
			if idle >= a.cfg.IdleStopThreshold {
				break
			}
			continue
		}

		added := a.collect(out, seen, sample, depth)
		out.Depth = depth

		if added == 0 {
			idle++
			if idle >= a.cfg.IdleStopThreshold {
				log.Debug("scroll: plateau reached",
					zap.Int("depth", depth),
					zap.Int("candidates", len(out.Candidates)),
				)
				break
			}
		} else {
			idle = 0
		}

		if step.AtBottom && added == 0 {
			break
		}
	}

	log.Info("scroll: discovery finished",
		zap.Int("candidates", len(out.Candidates)),
		zap.Int("depth", out.Depth),
		zap.Bool("partial", out.Partial),
		zap.Bool("empty_ok", out.EmptyOK),
	)
	return out, nil
}

// collect appends unseen fragments as candidates and returns how many were
// new. Each fragment is identified by its whitespace-normalized hash, which
// doubles as the candidate's viewport hash, so the same item observed at
// two scroll offsets is counted once.
func (a *ScrollAgent) collect(out *ScrollOutput, seen map[string]bool, sample *driver.PageSample, depth int) int {
	added := 0
	for _, frag := range sample.Fragments {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		hash := model.FragmentHash(frag)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out.Candidates = append(out.Candidates, model.ItemCandidate{
			ID:           uuid.NewString(),
			RawContent:   frag,
			ScrollDepth:  depth,
			ViewportHash: hash,
		})
		added++
	}
	out.EmptyOK = out.EmptyOK || sample.ContainerFound
	return added
}

// pause waits a randomized delay drawn from the timing profile so scroll
// cadence varies between steps.
func (a *ScrollAgent) pause(ctx context.Context, p config.TimingProfile) error {
	d := time.Duration(p.MinDelayMS) * time.Millisecond
	if span := p.MaxDelayMS - p.MinDelayMS; span > 0 {
		d += time.Duration(rand.IntN(span+1)) * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
