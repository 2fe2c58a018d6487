package agent

import (
	"encoding/json"
	"sort"

	"github.com/jeden-/mt5agent/internal/observ"
	"github.com/jeden-/mt5agent/internal/store"
)

// Mode governs how the agent acts on a validated signal.
type Mode string

const (
	ModeObservation   Mode = "observation"    // log only
	ModeSemiAutomatic Mode = "semi_automatic" // queue for external approval
	ModeAutomatic     Mode = "automatic"      // submit immediately
)

func validMode(m Mode) bool {
	switch m {
	case ModeObservation, ModeSemiAutomatic, ModeAutomatic:
		return true
	}
	return false
}

// ParseMode maps external mode strings onto the Mode type.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !validMode(m) {
		return "", ErrInvalidMode
	}
	return m, nil
}

// InstrumentConfig is the per-symbol trading configuration.
type InstrumentConfig struct {
	Active     bool    `json:"active"`
	MaxLotSize float64 `json:"max_lot_size"`
}

// Config is the agent's operating configuration. It survives restarts via
// the history store with a local JSON fallback.
type Config struct {
	Mode        Mode                        `json:"mode"`
	RiskLimits  map[string]float64          `json:"risk_limits"`
	Instruments map[string]InstrumentConfig `json:"instruments"`
}

func DefaultConfig() Config {
	return Config{
		Mode: ModeObservation,
		RiskLimits: map[string]float64{
			"max_positions":      5,
			"max_daily_loss_pct": 2.0,
		},
		Instruments: map[string]InstrumentConfig{
			"EURUSD": {Active: true, MaxLotSize: 0.1},
		},
	}
}

// seedConfig builds the initial configuration from a process-level
// instrument list. An empty list falls back to DefaultConfig.
func seedConfig(symbols []string) Config {
	cfg := DefaultConfig()
	if len(symbols) == 0 {
		return cfg
	}
	cfg.Instruments = make(map[string]InstrumentConfig, len(symbols))
	for _, sym := range symbols {
		cfg.Instruments[sym] = InstrumentConfig{Active: true, MaxLotSize: 0.1}
	}
	return cfg
}

// ActiveInstruments returns the active symbols in stable order.
func (c Config) ActiveInstruments() []string {
	var out []string
	for sym, ic := range c.Instruments {
		if ic.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (c Config) clone() Config {
	out := c
	out.RiskLimits = make(map[string]float64, len(c.RiskLimits))
	for k, v := range c.RiskLimits {
		out.RiskLimits[k] = v
	}
	out.Instruments = make(map[string]InstrumentConfig, len(c.Instruments))
	for k, v := range c.Instruments {
		out.Instruments[k] = v
	}
	return out
}

// InstrumentPatch updates one instrument field-by-field; nil leaves a field
// unchanged.
type InstrumentPatch struct {
	Active     *bool    `json:"active,omitempty"`
	MaxLotSize *float64 `json:"max_lot_size,omitempty"`
}

// ConfigPatch is a partial configuration update: mode replaces outright,
// risk limits merge key by key, instruments merge per symbol.
type ConfigPatch struct {
	Mode        *Mode                      `json:"mode,omitempty"`
	RiskLimits  map[string]float64         `json:"risk_limits,omitempty"`
	Instruments map[string]InstrumentPatch `json:"instruments,omitempty"`
}

func (c Config) merged(p ConfigPatch) Config {
	out := c.clone()
	if p.Mode != nil {
		out.Mode = *p.Mode
	}
	for k, v := range p.RiskLimits {
		out.RiskLimits[k] = v
	}
	for sym, ip := range p.Instruments {
		ic := out.Instruments[sym] // zero value for new symbols
		if ip.Active != nil {
			ic.Active = *ip.Active
		}
		if ip.MaxLotSize != nil {
			ic.MaxLotSize = *ip.MaxLotSize
		}
		out.Instruments[sym] = ic
	}
	return out
}

// HistoryStore is the external config-history collaborator.
type HistoryStore interface {
	SaveConfig(mode string, config []byte, comment string) (int64, error)
	GetLatestConfig() (*store.ConfigVersion, error)
	GetConfigHistory(limit int) ([]store.ConfigVersion, error)
	GetConfigByID(id int64) (*store.ConfigVersion, error)
}

// FallbackStore mirrors the latest config revision locally.
type FallbackStore interface {
	Save(v store.ConfigVersion) error
	Load() (*store.ConfigVersion, error)
}

// restoreConfig loads configuration in order of preference: history store,
// local fallback, the supplied defaults.
func restoreConfig(history HistoryStore, fallback FallbackStore, defaults Config) Config {
	if history != nil {
		v, err := history.GetLatestConfig()
		if err != nil {
			observ.Error("agent_config_history_unavailable", err, nil)
		} else if v != nil {
			var cfg Config
			if err := json.Unmarshal(v.Config, &cfg); err == nil && validMode(cfg.Mode) {
				observ.Log("agent_config_restored", map[string]any{"source": "history", "id": v.ID})
				return cfg
			}
		}
	}
	if fallback != nil {
		v, err := fallback.Load()
		if err != nil {
			observ.Error("agent_config_fallback_unavailable", err, nil)
		} else if v != nil {
			var cfg Config
			if err := json.Unmarshal(v.Config, &cfg); err == nil && validMode(cfg.Mode) {
				observ.Log("agent_config_restored", map[string]any{"source": "fallback"})
				return cfg
			}
		}
	}
	observ.Log("agent_config_restored", map[string]any{"source": "defaults"})
	return defaults
}
