// Package sched turns a selected seed into a batch of mutated children.
// Scheduling looks only at seed level, never at coverage state, so swapping
// the policy cannot change which metrics drive admission.
package sched

import (
	"time"

	"go.uber.org/zap"

	"trifuzz/config"
	"trifuzz/internal/types"
)

const (
	// baseEnergy is what a level-0 seed receives per scheduling turn;
	// deeper levels receive less, bottoming out at minEnergy.
	baseEnergy = 128
	minEnergy  = 8
	maxShift   = 4
)

// Scheduler assigns energy and drives the mutator.
type Scheduler struct {
	mutator *Mutator
	logger  *zap.Logger
}

func NewScheduler(cfg *config.AppConfig, logger *zap.Logger) *Scheduler {
	randSeed := cfg.RandSeed
	if randSeed == 0 {
		randSeed = time.Now().UnixNano()
	}
	logger.Info("mutation source seeded", zap.Int64("rand_seed", randSeed))
	return &Scheduler{
		mutator: NewMutator(randSeed),
		logger:  logger,
	}
}

// Energy is the number of children a seed receives this turn. Always at
// least one, always bounded; lower levels receive more so recent frontiers
// keep getting explored.
func (s *Scheduler) Energy(seed *types.Seed) int {
	shift := seed.Level
	if shift > maxShift {
		shift = maxShift
	}
	energy := baseEnergy >> shift
	if energy < minEnergy {
		energy = minEnergy
	}
	return energy
}

// Mutate produces one child from the seed bytes.
func (s *Scheduler) Mutate(data []byte) []byte {
	return s.mutator.Mutate(data)
}
