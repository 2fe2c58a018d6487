package bridge

import (
	"fmt"
	"time"

	"github.com/jeden-/mt5agent/internal/position"
	"github.com/jeden-/mt5agent/internal/signal"
)

// Outbound command helpers. Each only formats a payload and enqueues it;
// none of them confirm venue-side success.

func (c *Channel) OpenPosition(symbol, direction string, volume, price, sl, tp float64) bool {
	payload := fmt.Sprintf("SYMBOL:%s;TYPE:%s;VOLUME:%s;PRICE:%s;SL:%s;TP:%s",
		symbol, direction, formatFloat(volume), formatFloat(price), formatFloat(sl), formatFloat(tp))
	return c.SendCommand(CmdOpenPosition, payload)
}

func (c *Channel) ClosePosition(ticket int64, volume float64) bool {
	payload := fmt.Sprintf("TICKET:%d", ticket)
	if volume > 0 {
		payload += ";VOLUME:" + formatFloat(volume)
	}
	return c.SendCommand(CmdClosePosition, payload)
}

func (c *Channel) ModifyPosition(ticket int64, sl, tp float64) bool {
	payload := fmt.Sprintf("TICKET:%d;SL:%s;TP:%s", ticket, formatFloat(sl), formatFloat(tp))
	return c.SendCommand(CmdModifyPosition, payload)
}

func (c *Channel) Ping() bool {
	return c.SendCommand(CmdPing, "")
}

func (c *Channel) RequestAccountInfo() bool {
	return c.SendCommand(CmdGetAccountInfo, "")
}

func (c *Channel) RequestMarketData(symbol string) bool {
	return c.SendCommand(CmdGetMarketData, "SYMBOL:"+symbol)
}

func (c *Channel) RequestPositions() bool {
	return c.SendCommand(CmdGetPositions, "")
}

// RequestHistory asks for closed-position records; ticket 0 requests the
// full recent history.
func (c *Channel) RequestHistory(ticket int64) bool {
	if ticket == 0 {
		return c.SendCommand(CmdGetHistory, "")
	}
	return c.SendCommand(CmdGetHistory, fmt.Sprintf("TICKET:%d", ticket))
}

// --- trading-service facade consumed by the agent controller ---

// Connect starts the channel; already started is not an error here.
func (c *Channel) Connect() error {
	if c.started.Load() {
		return nil
	}
	return c.Start()
}

func (c *Channel) Disconnect() error {
	c.Stop()
	return nil
}

// GetMarketData returns the cached snapshot for a symbol, requesting a fresh
// one from the adapter when none is cached yet.
func (c *Channel) GetMarketData(symbol string) (*Fields, error) {
	if f, ok := c.MarketData(symbol); ok {
		return f, nil
	}
	if !c.RequestMarketData(symbol) {
		return nil, fmt.Errorf("get market data %s: channel unavailable", symbol)
	}
	msg, err := c.awaitMessage(MsgMarketData, func(m Message) bool {
		return m.Fields.String("SYMBOL") == symbol
	}, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// Execute submits a validated signal as an open-position command.
func (c *Channel) Execute(sig signal.Signal) error {
	if !c.OpenPosition(sig.Symbol, sig.Direction, sig.Volume, sig.EntryPrice, sig.StopLoss, sig.TakeProfit) {
		return fmt.Errorf("execute %s %s: channel unavailable", sig.Direction, sig.Symbol)
	}
	return nil
}

// GetAccountInfo returns the cached account snapshot, requesting one when
// the cache is empty.
func (c *Channel) GetAccountInfo() (*Fields, error) {
	if f := c.AccountInfo(); f != nil {
		return f, nil
	}
	if !c.RequestAccountInfo() {
		return nil, fmt.Errorf("get account info: channel unavailable")
	}
	msg, err := c.awaitMessage(MsgAccountInfo, nil, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// --- venue gateway consumed by the reconciliation engine ---

// OpenPositions requests a positions refresh and returns the venue's open
// positions for one owner. Owner 0 returns positions for all owners.
func (c *Channel) OpenPositions(owner int64) ([]position.Position, error) {
	if !c.RequestPositions() {
		return nil, fmt.Errorf("open positions: channel unavailable")
	}
	msg, err := c.awaitMessage(MsgPositionsUpdate, nil, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	var out []position.Position
	for _, rec := range parseRecords(msg.Raw) {
		p := parsePosition(rec)
		if p.Ticket == 0 {
			continue
		}
		if owner != 0 && p.OwnerID != owner {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Position looks one ticket up in the venue's current open positions.
// A (nil, nil) return means the venue no longer reports the ticket.
func (c *Channel) Position(ticket int64) (*position.Position, error) {
	positions, err := c.OpenPositions(0)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Ticket == ticket {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// ClosedPosition queries the venue's closed-position record for a ticket.
// A (nil, nil) return means no closed record exists.
func (c *Channel) ClosedPosition(ticket int64) (*position.Position, error) {
	if !c.RequestHistory(ticket) {
		return nil, fmt.Errorf("closed position %d: channel unavailable", ticket)
	}
	msg, err := c.awaitMessage(MsgHistoryData, nil, c.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	for _, rec := range parseRecords(msg.Raw) {
		if t, _ := rec.Int("TICKET"); t == ticket {
			p := parsePosition(rec)
			p.Status = position.StatusClosed
			return &p, nil
		}
	}
	return nil, nil
}

// parsePosition maps one wire record onto the position model. Missing fields
// stay at their zero values; the reconciler treats venue data as truth.
func parsePosition(f *Fields) position.Position {
	ticket, _ := f.Int("TICKET")
	owner, _ := f.Int("MAGIC")
	volume, _ := f.Float("VOLUME")
	openPrice, _ := f.Float("OPEN_PRICE")
	currentPrice, _ := f.Float("CURRENT_PRICE")
	sl, _ := f.Float("SL")
	tp, _ := f.Float("TP")
	profit, _ := f.Float("PROFIT")
	closePrice, _ := f.Float("CLOSE_PRICE")

	p := position.Position{
		Ticket:       ticket,
		OwnerID:      owner,
		Symbol:       f.String("SYMBOL"),
		Direction:    f.String("TYPE"),
		Volume:       volume,
		OpenPrice:    openPrice,
		CurrentPrice: currentPrice,
		StopLoss:     sl,
		TakeProfit:   tp,
		Profit:       profit,
		ClosePrice:   closePrice,
		Status:       position.StatusOpen,
		SyncStatus:   true,
	}
	if ts, ok := f.Int("OPEN_TIME"); ok {
		p.OpenTime = time.Unix(ts, 0).UTC()
	}
	if ts, ok := f.Int("CLOSE_TIME"); ok && ts > 0 {
		p.CloseTime = time.Unix(ts, 0).UTC()
	}
	return p
}
