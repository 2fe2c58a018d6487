package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/jeden-/mt5agent/internal/position"
	"github.com/jeden-/mt5agent/internal/signal"
)

func TestParsePositionRecord(t *testing.T) {
	f := ParsePayload("TICKET:12345;MAGIC:77;SYMBOL:EURUSD;TYPE:BUY;VOLUME:0.1;OPEN_PRICE:1.1;CURRENT_PRICE:1.105;SL:1.09;TP:1.12;PROFIT:5.5;OPEN_TIME:1700000000")
	p := parsePosition(f)
	if p.Ticket != 12345 || p.OwnerID != 77 {
		t.Fatalf("identity fields: %+v", p)
	}
	if p.Symbol != "EURUSD" || p.Direction != "BUY" {
		t.Fatalf("instrument fields: %+v", p)
	}
	if p.Volume != 0.1 || p.OpenPrice != 1.1 || p.Profit != 5.5 {
		t.Fatalf("numeric fields: %+v", p)
	}
	if p.OpenTime.Unix() != 1700000000 {
		t.Fatalf("open time: %v", p.OpenTime)
	}
	if p.Status != position.StatusOpen || !p.SyncStatus {
		t.Fatalf("defaults: %+v", p)
	}
}

func TestOpenPositionsFiltersOwner(t *testing.T) {
	c := newTestChannel()
	c.started.Store(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.dispatch("POSITIONS_UPDATE:TICKET:1;MAGIC:77;SYMBOL:EURUSD|TICKET:2;MAGIC:42;SYMBOL:GBPUSD")
	}()
	got, err := c.OpenPositions(77)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(got) != 1 || got[0].Ticket != 1 {
		t.Fatalf("owner filter: %+v", got)
	}
}

func TestClosedPositionLookup(t *testing.T) {
	c := newTestChannel()
	c.started.Store(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.dispatch("HISTORY_DATA:TICKET:9;SYMBOL:EURUSD;CLOSE_PRICE:1.18;PROFIT:15.75;CLOSE_TIME:1700003600")
	}()
	got, err := c.ClosedPosition(9)
	if err != nil {
		t.Fatalf("closed position: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.Status != position.StatusClosed || got.Profit != 15.75 || got.ClosePrice != 1.18 {
		t.Fatalf("closed record: %+v", got)
	}

	// absent ticket: the venue answered, no record matches
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.dispatch("HISTORY_DATA:TICKET:9;SYMBOL:EURUSD;PROFIT:15.75")
	}()
	got, err = c.ClosedPosition(555)
	if err != nil {
		t.Fatalf("absent lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("absent ticket returned %+v", got)
	}
}

func TestGetMarketDataAwaitsResponse(t *testing.T) {
	c := newTestChannel()
	c.started.Store(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		// response for another symbol must not satisfy the waiter
		c.dispatch("MARKET_DATA:SYMBOL:GBPUSD;BID:1.3")
		c.dispatch("MARKET_DATA:SYMBOL:EURUSD;BID:1.1;ASK:1.2")
	}()
	f, err := c.GetMarketData("EURUSD")
	if err != nil {
		t.Fatalf("get market data: %v", err)
	}
	if got, _ := f.Float("BID"); got != 1.1 {
		t.Fatalf("BID = %v", got)
	}

	// cached now; no request round trip needed
	depth := c.QueueDepth()
	if _, err := c.GetMarketData("EURUSD"); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if c.QueueDepth() != depth {
		t.Fatal("cached read enqueued a command")
	}
}

func TestAwaitTimeout(t *testing.T) {
	c := NewChannel(Config{Listen: "127.0.0.1:0", ResponseTimeout: 30 * time.Millisecond})
	c.started.Store(true)

	_, err := c.GetAccountInfo()
	if err == nil {
		t.Fatal("expected timeout")
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error type: %T %v", err, err)
	}
}

func TestExecuteRequiresStartedChannel(t *testing.T) {
	c := newTestChannel()
	sig := signal.Signal{Symbol: "EURUSD", Direction: "BUY", Volume: 0.1, EntryPrice: 1.1}
	if err := c.Execute(sig); err == nil {
		t.Fatal("execute on a stopped channel must error")
	}
	c.started.Store(true)
	if err := c.Execute(sig); err != nil {
		t.Fatalf("execute: %v", err)
	}
}
