// Package corpus maintains the queue of interesting inputs and the crash
// store. Admission is strictly feedback-driven: tracked metrics outside the
// feedback set are measured but never rewarded.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"trifuzz/config"
	"trifuzz/internal/coverage"
	"trifuzz/internal/types"
)

// Corpus owns all seeds. The queue is append-only; every file under
// queue/ corresponds to exactly one Seed record.
type Corpus struct {
	cfg    *config.AppConfig
	logger *zap.Logger

	queueDir   string
	crashesDir string

	queue  []*types.Seed
	cursor int
	pass   int

	nextSeedID  uint64
	nextCrashID uint64

	// crashSites dedupes crashing inputs by the final edge of their
	// trace, so crashes/ holds one file per distinct crash site.
	crashSites map[types.EdgeID]struct{}
}

func New(cfg *config.AppConfig, logger *zap.Logger) (*Corpus, error) {
	queueDir := filepath.Join(cfg.OutputDir, "queue")
	crashesDir := filepath.Join(cfg.OutputDir, "crashes")
	for _, dir := range []string{queueDir, crashesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return &Corpus{
		cfg:        cfg,
		logger:     logger,
		queueDir:   queueDir,
		crashesDir: crashesDir,
		crashSites: make(map[types.EdgeID]struct{}),
	}, nil
}

// AddInitial admits a level-0 seed unconditionally. The initial set
// anchors the coverage baseline whether or not it was novel.
func (c *Corpus) AddInitial(data []byte) (*types.Seed, error) {
	seed := &types.Seed{
		ID:        c.nextSeedID,
		Data:      append([]byte(nil), data...),
		Source:    types.SourceInitial,
		Level:     0,
		CreatedAt: time.Now(),
		FileName:  fmt.Sprintf("id:%06d,orig", c.nextSeedID),
	}
	if err := c.persistSeed(seed); err != nil {
		return nil, err
	}
	c.nextSeedID++
	c.queue = append(c.queue, seed)
	c.logger.Info("initial seed admitted",
		zap.String("file", seed.FileName),
		zap.Int("bytes", len(seed.Data)))
	return seed, nil
}

// Consider admits a mutant iff it did not crash and at least one feedback
// metric reported novelty. Returns the admitted seed, or nil.
func (c *Corpus) Consider(parent *types.Seed, data []byte, outcome *types.RunOutcome, report coverage.Report) (*types.Seed, error) {
	if outcome.Class == types.ExitCrash {
		return nil, nil
	}
	metric, novel := report.Novel(c.cfg.Feedback)
	if !novel {
		return nil, nil
	}

	seed := &types.Seed{
		ID:        c.nextSeedID,
		Data:      append([]byte(nil), data...),
		Source:    types.SourceDerived,
		ParentID:  parent.ID,
		Level:     parent.Level + 1,
		CreatedAt: time.Now(),
		FileName:  fmt.Sprintf("id:%06d,src:%06d,+%s", c.nextSeedID, parent.ID, metric),
	}
	if err := c.persistSeed(seed); err != nil {
		return nil, err
	}
	c.nextSeedID++
	c.queue = append(c.queue, seed)
	parent.ChildNovelties++

	c.logger.Debug("mutant admitted",
		zap.String("file", seed.FileName),
		zap.String("metric", string(metric)),
		zap.Int("level", seed.Level))
	return seed, nil
}

// RecordCrash persists a crashing input under crashes/, deduplicated by
// the final edge of its trace. Crashing inputs never enter the queue.
func (c *Corpus) RecordCrash(data []byte, outcome *types.RunOutcome) error {
	if n := len(outcome.Trace.Edges); n > 0 {
		site := outcome.Trace.Edges[n-1]
		if _, seen := c.crashSites[site]; seen {
			return nil
		}
		c.crashSites[site] = struct{}{}
	}

	name := fmt.Sprintf("crash:%06d,sig:%d", c.nextCrashID, outcome.Signal)
	path := filepath.Join(c.crashesDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return c.storeError("crash", path, err)
	}
	c.nextCrashID++
	c.logger.Info("crash saved",
		zap.String("file", name),
		zap.Int("signal", outcome.Signal))
	return nil
}

// NextSeed returns the next seed to fuzz: round-robin over the queue,
// each pass level-ordered, oldest-first within a level. Seeds admitted
// mid-pass are appended and handed out at the end of the current pass;
// the next pass sorts them into level order.
func (c *Corpus) NextSeed() *types.Seed {
	if len(c.queue) == 0 {
		return nil
	}
	if c.cursor >= len(c.queue) {
		sort.SliceStable(c.queue, func(i, j int) bool {
			if c.queue[i].Level != c.queue[j].Level {
				return c.queue[i].Level < c.queue[j].Level
			}
			return c.queue[i].ID < c.queue[j].ID
		})
		c.cursor = 0
		c.pass++
	}
	seed := c.queue[c.cursor]
	c.cursor++
	seed.TimesSelected++
	return seed
}

// Size is the number of seeds in the queue.
func (c *Corpus) Size() int { return len(c.queue) }

// Pass counts completed rotations over the queue.
func (c *Corpus) Pass() int { return c.pass }

// CurrentLevel is the level of the seed most recently handed out.
func (c *Corpus) CurrentLevel() int {
	if c.cursor == 0 || c.cursor > len(c.queue) {
		return 0
	}
	return c.queue[c.cursor-1].Level
}

func (c *Corpus) persistSeed(seed *types.Seed) error {
	path := filepath.Join(c.queueDir, seed.FileName)
	if err := os.WriteFile(path, seed.Data, 0644); err != nil {
		return c.storeError("queue", path, err)
	}
	return nil
}

// storeError decides between a transient write failure (logged, fuzzing
// continues) and an unwritable output directory (fatal).
func (c *Corpus) storeError(kind, path string, err error) error {
	dir := filepath.Dir(path)
	if _, statErr := os.Stat(dir); statErr != nil || os.IsPermission(err) {
		return fmt.Errorf("%s directory became unwritable: %w", kind, err)
	}
	c.logger.Error("failed to persist file, continuing",
		zap.String("path", path),
		zap.Error(err))
	return nil
}
