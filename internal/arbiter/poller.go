package arbiter

import (
	"context"
	"errors"

	"github.com/chessdream/arbiter/internal/clock"
	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/obslog"
	"go.uber.org/zap"
)

// ensurePoller starts the timeout poller for a match unless one is
// already running. Pollers are cheap, self-terminating goroutines; one
// exists per active match.
func (c *Controller) ensurePoller(matchID string) {
	c.pollMu.Lock()
	if _, running := c.pollers[matchID]; running {
		c.pollMu.Unlock()
		return
	}
	c.pollers[matchID] = struct{}{}
	c.pollMu.Unlock()
	go c.pollTimeout(matchID)
}

// pollTimeout ticks until the match leaves the active status, either by
// flag fall detected here or by any other terminal path. It never mutates
// on stale knowledge: the flag is re-verified under the match lock and the
// completion itself rides the conditional update.
func (c *Controller) pollTimeout(matchID string) {
	defer func() {
		c.pollMu.Lock()
		delete(c.pollers, matchID)
		c.pollMu.Unlock()
	}()

	ctx := context.Background()
	ticker := c.clock.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for range ticker.Chan() {
		m, err := c.store.FindByID(ctx, matchID)
		if errors.Is(err, game.ErrNotFound) {
			return
		}
		if err != nil {
			obslog.L().Warn("timeout_poll_store_error", zap.String("game_id", matchID), zap.Error(err))
			continue
		}
		if m.Status != game.StatusActive {
			return
		}
		if _, flagged := clock.FlaggedSide(clock.FromMatch(m), c.nowMs()); flagged {
			c.timeoutMatch(ctx, matchID)
			return
		}
	}
}

// timeoutMatch re-reads and re-verifies the flag under the match lock,
// then completes the match on time.
func (c *Controller) timeoutMatch(ctx context.Context, matchID string) {
	mu := c.matchLock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, matchID)
	if err != nil || m.Status != game.StatusActive {
		return
	}
	side, flagged := clock.FlaggedSide(clock.FromMatch(m), c.nowMs())
	if !flagged {
		return
	}
	obslog.L().Info("game_timeout",
		zap.String("game_id", matchID),
		zap.String("flagged", string(side)),
	)
	c.completeLocked(ctx, m, game.ResultTimeout(side))
}
