package bridge

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func newTestChannel() *Channel {
	return NewChannel(Config{
		Listen:            "127.0.0.1:0",
		Transport:         "tcp",
		CommandsPerSecond: 1000,
		ResponseTimeout:   time.Second,
	})
}

func TestSendCommandBeforeStart(t *testing.T) {
	c := newTestChannel()
	if c.SendCommand(CmdPing, "") {
		t.Fatal("sendCommand before start must return false")
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("queue must stay empty, depth = %d", got)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	c := newTestChannel()
	// mark started without goroutines so commands queue up unsent
	c.started.Store(true)
	for _, typ := range []string{CmdPing, CmdGetAccountInfo, CmdGetPositions} {
		if !c.SendCommand(typ, "") {
			t.Fatalf("enqueue %s failed", typ)
		}
	}
	if got := c.QueueDepth(); got != 3 {
		t.Fatalf("depth = %d", got)
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	want := []string{CmdPing, CmdGetAccountInfo, CmdGetPositions}
	for i, cmd := range c.queue {
		if cmd.Type != want[i] {
			t.Fatalf("queue[%d] = %s, want %s", i, cmd.Type, want[i])
		}
	}
}

func TestOpenPositionCommandText(t *testing.T) {
	c := newTestChannel()
	c.started.Store(true)
	if !c.OpenPosition("EURUSD", "BUY", 0.1, 1.1, 1.09, 1.12) {
		t.Fatal("openPosition not accepted")
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) != 1 {
		t.Fatalf("queue depth = %d", len(c.queue))
	}
	got := c.queue[0].Format()
	want := "OPEN_POSITION:SYMBOL:EURUSD;TYPE:BUY;VOLUME:0.1;PRICE:1.1;SL:1.09;TP:1.12"
	if got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func TestLiveness(t *testing.T) {
	c := newTestChannel()
	clock := time.Unix(1700000000, 0)
	c.now = func() time.Time { return clock }

	if c.IsConnected() {
		t.Fatal("connected before any message")
	}
	c.dispatch("PONG")
	if !c.IsConnected() {
		t.Fatal("not connected right after a message")
	}
	clock = clock.Add(9 * time.Second)
	if !c.IsConnected() {
		t.Fatal("disconnected inside the liveness window")
	}
	clock = clock.Add(2 * time.Second)
	if c.IsConnected() {
		t.Fatal("still connected after the liveness window")
	}
}

func TestDispatchUpdatesSnapshots(t *testing.T) {
	c := newTestChannel()
	c.dispatch("MARKET_DATA:SYMBOL:EURUSD;BID:1.1;ASK:1.2")
	f, ok := c.MarketData("EURUSD")
	if !ok {
		t.Fatal("no market data snapshot")
	}
	if got, _ := f.Float("ASK"); got != 1.2 {
		t.Fatalf("ASK = %v", got)
	}

	c.dispatch("POSITIONS_UPDATE:TICKET:1;SYMBOL:EURUSD|TICKET:2;SYMBOL:GBPUSD")
	if got := len(c.Positions()); got != 2 {
		t.Fatalf("positions = %d", got)
	}

	c.dispatch("ACCOUNT_INFO:BALANCE:10000;EQUITY:10100")
	acc := c.AccountInfo()
	if acc == nil {
		t.Fatal("no account snapshot")
	}
	if got, _ := acc.Float("EQUITY"); got != 10100 {
		t.Fatalf("EQUITY = %v", got)
	}
}

func TestHandlerReplacementAndIsolation(t *testing.T) {
	c := newTestChannel()

	var firstCalls, secondCalls int
	first := func(Message) { firstCalls++ }
	if prev := c.RegisterHandler(MsgMarketData, first); prev != nil {
		t.Fatal("unexpected previous handler")
	}
	prev := c.RegisterHandler(MsgMarketData, func(Message) { secondCalls++ })
	if prev == nil {
		t.Fatal("replacement must return the previous handler")
	}

	c.dispatch("MARKET_DATA:SYMBOL:EURUSD;BID:1.1")
	if firstCalls != 0 || secondCalls != 1 {
		t.Fatalf("calls = %d/%d, replacement not exclusive", firstCalls, secondCalls)
	}

	// a panicking handler must not take down the dispatch path
	c.RegisterHandler(MsgPong, func(Message) { panic("boom") })
	c.dispatch("PONG")
	c.dispatch("MARKET_DATA:SYMBOL:EURUSD;BID:1.15")
	if secondCalls != 2 {
		t.Fatalf("dispatch stopped after handler panic, calls = %d", secondCalls)
	}
}

func TestUnknownTypeDropped(t *testing.T) {
	c := newTestChannel()
	c.dispatch("BOGUS_TYPE:KEY:VAL")
	if got := len(c.Positions()); got != 0 {
		t.Fatalf("unknown type mutated snapshots: %d", got)
	}
	// still counts as contact
	if !c.IsConnected() {
		t.Fatal("unknown type should still refresh liveness")
	}
}

func TestWatchedSet(t *testing.T) {
	c := newTestChannel()
	c.Watch("EURUSD")
	c.Watch("GBPUSD")
	c.Unwatch("EURUSD")
	got := c.Watched()
	if len(got) != 1 || got[0] != "GBPUSD" {
		t.Fatalf("watched = %v", got)
	}
	c.SetWatched([]string{"USDJPY"})
	got = c.Watched()
	if len(got) != 1 || got[0] != "USDJPY" {
		t.Fatalf("watched = %v", got)
	}
}

func TestChannelEndToEnd(t *testing.T) {
	c := newTestChannel()
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	c.lifeMu.Lock()
	addr := c.listener.Addr()
	c.lifeMu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("INIT:ACCOUNT:100123\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, time.Second, c.IsConnected)

	if !c.Ping() {
		t.Fatal("ping not accepted")
	}
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "PING" {
		t.Fatalf("adapter received %q", line)
	}
}

func TestSchedulerTick(t *testing.T) {
	c := newTestChannel()
	c.started.Store(true)
	c.SetWatched([]string{"EURUSD"})

	s := newScheduler(c, RefreshConfig{AccountSecs: 2, MarketDataSecs: 3, PositionsSecs: 5, HistorySecs: 10, BackoffSecs: 1})
	for i := 0; i < 6; i++ {
		if err := s.tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	// ticks 2,4,6 fire account; 3,6 fire market data; 5 fires positions
	var types []string
	c.qmu.Lock()
	for _, cmd := range c.queue {
		types = append(types, cmd.Type)
	}
	c.qmu.Unlock()
	want := []string{
		CmdGetAccountInfo,
		CmdGetMarketData,
		CmdGetAccountInfo,
		CmdGetPositions,
		CmdGetAccountInfo, CmdGetMarketData,
	}
	if len(types) != len(want) {
		t.Fatalf("scheduled %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("scheduled %v, want %v", types, want)
		}
	}
}

func TestSchedulerTickFailsWhenStopped(t *testing.T) {
	c := newTestChannel()
	s := newScheduler(c, RefreshConfig{AccountSecs: 1, MarketDataSecs: 1, PositionsSecs: 1, HistorySecs: 1})
	if err := s.tick(); err == nil {
		t.Fatal("tick against a stopped channel must error")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
