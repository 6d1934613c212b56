// Package split assigns listing URLs to one of the two extraction arms:
// the legacy single-pass extractor or the staged pipeline.
package split

import (
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/model"
	"github.com/gatherline/eventpipe/internal/urlnorm"
)

// Splitter routes traffic between the extraction arms. Sticky assignment
// buckets each source URL deterministically so a source stays on one arm
// across runs and processes; non-sticky draws fresh per run.
//
// The active config is held behind an atomic pointer and replaced whole on
// Update, so a concurrent Assign reads either the old config or the new
// one, never a mix.
type Splitter struct {
	cfg atomic.Pointer[config.SplitConfig]
}

// New builds a splitter from the startup config.
func New(cfg config.SplitConfig) (*Splitter, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	s := &Splitter{}
	s.cfg.Store(&cfg)
	return s, nil
}

// Assign returns the arm for one run of sourceURL.
func (s *Splitter) Assign(sourceURL string) model.Arm {
	cfg := s.cfg.Load()

	var bucket int
	if cfg.Sticky {
		bucket = stableBucket(sourceURL)
	} else {
		bucket = rand.IntN(100)
	}
	if bucket < cfg.NewPipelinePercentage {
		return model.ArmNewPipeline
	}
	return model.ArmLegacy
}

// Update validates cfg and swaps it in. An invalid config leaves the
// active one untouched.
func (s *Splitter) Update(cfg config.SplitConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	old := s.cfg.Swap(&cfg)

	zap.L().Info("split: config updated",
		zap.Int("old_percentage", old.NewPipelinePercentage),
		zap.Int("new_percentage", cfg.NewPipelinePercentage),
		zap.Bool("sticky", cfg.Sticky),
	)
	return nil
}

// Current returns the active split config.
func (s *Splitter) Current() config.SplitConfig {
	return *s.cfg.Load()
}

func validate(cfg config.SplitConfig) error {
	if cfg.NewPipelinePercentage < 0 || cfg.NewPipelinePercentage > 100 {
		return eris.Errorf("split: new pipeline percentage %d outside [0,100]", cfg.NewPipelinePercentage)
	}
	return nil
}

// stableBucket hashes a source URL into [0,100). The URL is canonicalized
// first so byte-different spellings of the same listing land in the same
// bucket; URLs that do not canonicalize hash as given.
func stableBucket(sourceURL string) int {
	key := sourceURL
	if canonical, err := urlnorm.Canonicalize(sourceURL); err == nil {
		key = canonical
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % 100)
}
