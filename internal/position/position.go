package position

import "time"

// Status is the lifecycle state of a tracked position.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusPending Status = "PENDING"
	StatusError   Status = "ERROR"
)

// Position is one venue position tracked by the reconciliation engine.
// Ticket is the venue-assigned unique key; OwnerID, OpenTime and the ticket
// itself are never overwritten by a plain update.
type Position struct {
	Ticket       int64     `json:"ticket"`
	OwnerID      int64     `json:"owner_id"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"` // BUY | SELL
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Profit       float64   `json:"profit"`
	OpenTime     time.Time `json:"open_time"`
	Status       Status    `json:"status"`
	ClosePrice   float64   `json:"close_price,omitempty"`
	CloseTime    time.Time `json:"close_time,omitempty"`
	SyncStatus   bool      `json:"sync_status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Patch carries the mutable fields of a position; nil means "leave as is".
// Ticket, owner and open time cannot be patched.
type Patch struct {
	CurrentPrice *float64
	StopLoss     *float64
	TakeProfit   *float64
	Profit       *float64
	Volume       *float64
	Status       *Status
}

func (p *Position) apply(patch Patch) {
	if patch.CurrentPrice != nil {
		p.CurrentPrice = *patch.CurrentPrice
	}
	if patch.StopLoss != nil {
		p.StopLoss = *patch.StopLoss
	}
	if patch.TakeProfit != nil {
		p.TakeProfit = *patch.TakeProfit
	}
	if patch.Profit != nil {
		p.Profit = *patch.Profit
	}
	if patch.Volume != nil {
		p.Volume = *patch.Volume
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
}

// PatchFrom builds the mutable-field patch that would bring p in line with
// the venue-reported view.
func PatchFrom(v Position) Patch {
	cp, sl, tp, pr, vol := v.CurrentPrice, v.StopLoss, v.TakeProfit, v.Profit, v.Volume
	return Patch{CurrentPrice: &cp, StopLoss: &sl, TakeProfit: &tp, Profit: &pr, Volume: &vol}
}
