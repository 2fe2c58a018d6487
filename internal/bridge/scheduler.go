package bridge

import (
	"fmt"
	"time"

	"github.com/jeden-/mt5agent/internal/observ"
)

// RefreshConfig holds the periodic refresh intervals, in seconds of scheduler
// ticks.
type RefreshConfig struct {
	AccountSecs    int
	MarketDataSecs int
	PositionsSecs  int
	HistorySecs    int
	BackoffSecs    int
}

func (r RefreshConfig) withDefaults() RefreshConfig {
	if r.AccountSecs == 0 {
		r.AccountSecs = 60
	}
	if r.MarketDataSecs == 0 {
		r.MarketDataSecs = 30
	}
	if r.PositionsSecs == 0 {
		r.PositionsSecs = 15
	}
	if r.HistorySecs == 0 {
		r.HistorySecs = 300
	}
	if r.BackoffSecs == 0 {
		r.BackoffSecs = 5
	}
	return r
}

// scheduler drives the periodic refresh requests over one 1s tick loop.
// Four independent counters trigger account, market-data, positions and
// history refreshes; a failed trigger is logged and followed by a backoff
// before the tick loop resumes. The loop never exits on error.
type scheduler struct {
	ch  *Channel
	cfg RefreshConfig

	accountTicks   int
	marketTicks    int
	positionsTicks int
	historyTicks   int
}

func newScheduler(ch *Channel, cfg RefreshConfig) *scheduler {
	return &scheduler{ch: ch, cfg: cfg.withDefaults()}
}

func (s *scheduler) run(stop <-chan struct{}) {
	defer s.ch.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	backoff := time.Duration(s.cfg.BackoffSecs) * time.Second

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.tick(); err != nil {
				observ.Error("bridge_refresh_error", err, nil)
				observ.IncCounter("bridge_refresh_errors_total", nil)
				select {
				case <-stop:
					return
				case <-time.After(backoff):
				}
			}
		}
	}
}

// tick advances all counters by one second and fires whichever refreshes are
// due. The first failed trigger aborts the tick; remaining counters keep
// their progress and fire on a later tick.
func (s *scheduler) tick() error {
	s.accountTicks++
	s.marketTicks++
	s.positionsTicks++
	s.historyTicks++

	if s.accountTicks >= s.cfg.AccountSecs {
		s.accountTicks = 0
		if !s.ch.RequestAccountInfo() {
			return fmt.Errorf("account refresh: channel unavailable")
		}
	}
	if s.marketTicks >= s.cfg.MarketDataSecs {
		s.marketTicks = 0
		for _, sym := range s.ch.Watched() {
			if !s.ch.RequestMarketData(sym) {
				return fmt.Errorf("market data refresh for %s: channel unavailable", sym)
			}
		}
	}
	if s.positionsTicks >= s.cfg.PositionsSecs {
		s.positionsTicks = 0
		if !s.ch.RequestPositions() {
			return fmt.Errorf("positions refresh: channel unavailable")
		}
	}
	if s.historyTicks >= s.cfg.HistorySecs {
		s.historyTicks = 0
		if !s.ch.RequestHistory(0) {
			return fmt.Errorf("history refresh: channel unavailable")
		}
	}
	return nil
}
