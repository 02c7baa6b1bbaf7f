package latency

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/util"
	"github.com/pkg/errors"
)

// Chain tries checkers in order and returns the first success. A checker
// that reports ErrUnavailable is skipped for the rest of the chain's life.
type Chain struct {
	checkers []Checker
	logger   util.Logger

	mu       sync.Mutex
	disabled map[string]bool
}

func NewChain(logger util.Logger, checkers ...Checker) *Chain {
	return &Chain{checkers: checkers, logger: logger, disabled: make(map[string]bool)}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Check(ctx context.Context, ip net.IP) (time.Duration, error) {
	var lastErr error
	for _, checker := range c.checkers {
		if ctx.Err() != nil {
			break
		}
		if c.isDisabled(checker.Name()) {
			continue
		}
		rtt, err := checker.Check(ctx, ip)
		if err == nil {
			return rtt, nil
		}
		if errors.Is(err, ErrUnavailable) {
			c.disable(checker.Name())
			c.logger.Info().Str("checker", checker.Name()).Err(err).Msg("reachability checker disabled")
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no reachability checker available")
		if ctx.Err() != nil {
			lastErr = ctx.Err()
		}
	}
	return 0, lastErr
}

func (c *Chain) isDisabled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[name]
}

func (c *Chain) disable(name string) {
	c.mu.Lock()
	c.disabled[name] = true
	c.mu.Unlock()
}
