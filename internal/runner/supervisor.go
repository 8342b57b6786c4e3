package runner

import (
	"context"
	"sort"

	"binance-mm-runner/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs one Runner per bot.
type Supervisor struct {
	runners map[string]*Runner
	ids     []string
	logger  *zap.Logger
}

// UsageOf computes the license footprint of bots: the bot count and the
// number of distinct venues they trade on or follow.
func UsageOf(bots []models.BotBundle) Usage {
	venues := make(map[string]struct{})
	for _, b := range bots {
		venues[b.Bot.Exchange] = struct{}{}
		if b.Bot.PriceFollowEnabled && b.Bot.PriceSourceExchange != "" {
			venues[b.Bot.PriceSourceExchange] = struct{}{}
		}
	}
	return Usage{BotCount: len(bots), CexCount: len(venues)}
}

// NewSupervisor creates a runner for every bot.
func NewSupervisor(cfg models.RunnerConfig, deps Deps, bots []models.BotBundle, opts ...Option) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	usage := UsageOf(bots)
	s := &Supervisor{runners: make(map[string]*Runner, len(bots)), logger: logger}
	for _, b := range bots {
		id := b.Bot.ID
		if _, dup := s.runners[id]; dup {
			continue
		}
		s.runners[id] = New(id, cfg, deps, usage, opts...)
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
	return s
}

// Run starts every runner and blocks until all have returned. Runners are
// independent: one stopping on a fatal error does not stop the others.
// The first such error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range s.ids {
		r := s.runners[id]
		g.Go(func() error {
			err := r.Run(ctx)
			if err != nil {
				s.logger.Error("runner exited", zap.String("bot_id", r.BotID()), zap.Error(err))
			}
			return err
		})
	}
	s.logger.Info("supervisor started", zap.Int("bots", len(s.ids)))
	return g.Wait()
}

// Notify wakes the bot's runner after an external status change.
func (s *Supervisor) Notify(botID string) {
	if r, ok := s.runners[botID]; ok {
		r.Wake()
	}
}

// Runner returns the runner of botID.
func (s *Supervisor) Runner(botID string) (*Runner, bool) {
	r, ok := s.runners[botID]
	return r, ok
}

// BotIDs returns the supervised bots in order.
func (s *Supervisor) BotIDs() []string {
	return append([]string(nil), s.ids...)
}
