package signal

import "time"

// Signal is a collaborator-provided trade recommendation. The agent does not
// compute signals; it only decides what to do with them per operating mode.
type Signal struct {
	Symbol     string
	Direction  string // BUY | SELL
	Confidence float64
	Volume     float64 // requested lot size; the agent clamps it per instrument
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	IssuedAt   time.Time
}

// Source produces a signal for one instrument and timeframe, or nil when the
// strategy has nothing to say.
type Source interface {
	GetSignal(instrument, timeframe string) (*Signal, error)
}

// Validator applies validation rules to a signal before the agent acts on it.
type Validator interface {
	Validate(sig Signal) bool
}

// StaticSource replays a fixed signal per symbol. Used by tests and as the
// wiring default until a real strategy collaborator is plugged in.
type StaticSource struct {
	Signals map[string]Signal
}

func (s *StaticSource) GetSignal(instrument, timeframe string) (*Signal, error) {
	sig, ok := s.Signals[instrument]
	if !ok {
		return nil, nil
	}
	out := sig
	out.IssuedAt = time.Now().UTC()
	return &out, nil
}

// ThresholdValidator accepts signals above a confidence floor with coherent
// stop-loss / take-profit levels for the direction.
type ThresholdValidator struct {
	MinConfidence float64
}

func (v *ThresholdValidator) Validate(sig Signal) bool {
	if sig.Confidence < v.MinConfidence {
		return false
	}
	if sig.Symbol == "" || sig.EntryPrice <= 0 {
		return false
	}
	switch sig.Direction {
	case "BUY":
		return (sig.StopLoss == 0 || sig.StopLoss < sig.EntryPrice) &&
			(sig.TakeProfit == 0 || sig.TakeProfit > sig.EntryPrice)
	case "SELL":
		return (sig.StopLoss == 0 || sig.StopLoss > sig.EntryPrice) &&
			(sig.TakeProfit == 0 || sig.TakeProfit < sig.EntryPrice)
	default:
		return false
	}
}
