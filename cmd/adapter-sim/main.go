// adapter-sim is a stand-in venue adapter for local development. It dials
// the agent's bridge channel, answers its commands and streams synthetic
// market data, so the control plane can be exercised without a live venue.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeden-/mt5agent/internal/bridge"
)

type wire interface {
	ReadLine() (string, error)
	WriteLine(s string) error
	Close() error
}

type tcpWire struct {
	c net.Conn
	r *bufio.Reader
}

func dialTCP(addr string) (*tcpWire, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpWire{c: c, r: bufio.NewReader(c)}, nil
}

func (w *tcpWire) ReadLine() (string, error) {
	line, err := w.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (w *tcpWire) WriteLine(s string) error {
	_, err := w.c.Write([]byte(s + "\n"))
	return err
}

func (w *tcpWire) Close() error { return w.c.Close() }

type wsWire struct {
	ws *websocket.Conn
}

func dialWS(addr string) (*wsWire, error) {
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		return nil, err
	}
	return &wsWire{ws: ws}, nil
}

func (w *wsWire) ReadLine() (string, error) {
	_, data, err := w.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *wsWire) WriteLine(s string) error {
	return w.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (w *wsWire) Close() error { return w.ws.Close() }

// venue is the simulated account state.
type venue struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	open       map[int64]simPosition
	closed     map[int64]simPosition
	nextTicket int64
	balance    float64
	owner      int64
}

type simPosition struct {
	ticket     int64
	symbol     string
	direction  string
	volume     float64
	openPrice  float64
	sl, tp     float64
	openTime   time.Time
	closePrice float64
	closeTime  time.Time
	profit     float64
}

func newVenue(seed int64, owner int64) *venue {
	return &venue{
		rng: rand.New(rand.NewSource(seed)),
		prices: map[string]float64{
			"EURUSD": 1.1000,
			"GBPUSD": 1.2700,
			"USDJPY": 149.50,
		},
		open:       map[int64]simPosition{},
		closed:     map[int64]simPosition{},
		nextTicket: 1000,
		balance:    10000,
		owner:      owner,
	}
}

func (v *venue) symbols() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.prices))
	for sym := range v.prices {
		out = append(out, sym)
	}
	return out
}

func (v *venue) drift() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for sym, p := range v.prices {
		v.prices[sym] = p * (1 + (v.rng.Float64()-0.5)*0.0004)
	}
}

func (v *venue) marketData(symbol string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	bid, ok := v.prices[symbol]
	if !ok {
		bid = 1.0
		v.prices[symbol] = bid
	}
	ask := bid * 1.0001
	return fmt.Sprintf("MARKET_DATA:SYMBOL:%s;BID:%.5f;ASK:%.5f;SPREAD:%d;TIME:%d",
		symbol, bid, ask, 10, time.Now().Unix())
}

func (v *venue) accountInfo() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	equity := v.balance
	for _, p := range v.open {
		equity += v.profitLocked(p)
	}
	return fmt.Sprintf("ACCOUNT_INFO:BALANCE:%.2f;EQUITY:%.2f;MARGIN:0;FREE_MARGIN:%.2f;CURRENCY:USD",
		v.balance, equity, equity)
}

func (v *venue) profitLocked(p simPosition) float64 {
	cur := v.prices[p.symbol]
	diff := cur - p.openPrice
	if p.direction == "SELL" {
		diff = -diff
	}
	return diff * p.volume * 100000
}

func (v *venue) openPosition(f *bridge.Fields) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextTicket++
	symbol := f.String("SYMBOL")
	volume, _ := f.Float("VOLUME")
	sl, _ := f.Float("SL")
	tp, _ := f.Float("TP")
	p := simPosition{
		ticket:    v.nextTicket,
		symbol:    symbol,
		direction: f.String("TYPE"),
		volume:    volume,
		openPrice: v.prices[symbol],
		sl:        sl,
		tp:        tp,
		openTime:  time.Now(),
	}
	v.open[p.ticket] = p
	return fmt.Sprintf("SUCCESS:ACTION:OPEN_POSITION;TICKET:%d;PRICE:%.5f", p.ticket, p.openPrice)
}

func (v *venue) closePosition(f *bridge.Fields) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ticket, _ := f.Int("TICKET")
	p, ok := v.open[ticket]
	if !ok {
		return fmt.Sprintf("ERROR:ACTION:CLOSE_POSITION;TICKET:%d;REASON:unknown ticket", ticket)
	}
	delete(v.open, ticket)
	p.closePrice = v.prices[p.symbol]
	p.closeTime = time.Now()
	p.profit = v.profitLocked(p)
	v.balance += p.profit
	v.closed[ticket] = p
	return fmt.Sprintf("SUCCESS:ACTION:CLOSE_POSITION;TICKET:%d;PRICE:%.5f;PROFIT:%.2f", ticket, p.closePrice, p.profit)
}

func (v *venue) modifyPosition(f *bridge.Fields) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ticket, _ := f.Int("TICKET")
	p, ok := v.open[ticket]
	if !ok {
		return fmt.Sprintf("ERROR:ACTION:MODIFY_POSITION;TICKET:%d;REASON:unknown ticket", ticket)
	}
	if sl, ok := f.Float("SL"); ok {
		p.sl = sl
	}
	if tp, ok := f.Float("TP"); ok {
		p.tp = tp
	}
	v.open[ticket] = p
	return fmt.Sprintf("SUCCESS:ACTION:MODIFY_POSITION;TICKET:%d", ticket)
}

func (v *venue) positionsUpdate() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var recs []string
	for _, p := range v.open {
		recs = append(recs, fmt.Sprintf(
			"TICKET:%d;MAGIC:%d;SYMBOL:%s;TYPE:%s;VOLUME:%.2f;OPEN_PRICE:%.5f;CURRENT_PRICE:%.5f;SL:%.5f;TP:%.5f;PROFIT:%.2f;OPEN_TIME:%d",
			p.ticket, v.owner, p.symbol, p.direction, p.volume, p.openPrice,
			v.prices[p.symbol], p.sl, p.tp, v.profitLocked(p), p.openTime.Unix()))
	}
	return "POSITIONS_UPDATE:" + strings.Join(recs, "|")
}

func (v *venue) historyData(f *bridge.Fields) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	want, _ := f.Int("TICKET")
	var recs []string
	for _, p := range v.closed {
		if want != 0 && p.ticket != want {
			continue
		}
		recs = append(recs, fmt.Sprintf(
			"TICKET:%d;MAGIC:%d;SYMBOL:%s;TYPE:%s;VOLUME:%.2f;OPEN_PRICE:%.5f;CLOSE_PRICE:%.5f;PROFIT:%.2f;OPEN_TIME:%d;CLOSE_TIME:%d",
			p.ticket, v.owner, p.symbol, p.direction, p.volume, p.openPrice,
			p.closePrice, p.profit, p.openTime.Unix(), p.closeTime.Unix()))
	}
	return "HISTORY_DATA:" + strings.Join(recs, "|")
}

func (v *venue) handle(line string) string {
	msg := bridge.ParseMessage(line)
	switch msg.Type {
	case bridge.CmdPing:
		return "PONG:TIME:" + fmt.Sprint(time.Now().Unix())
	case bridge.CmdGetMarketData:
		return v.marketData(msg.Fields.String("SYMBOL"))
	case bridge.CmdGetAccountInfo:
		return v.accountInfo()
	case bridge.CmdGetPositions:
		return v.positionsUpdate()
	case bridge.CmdGetHistory:
		return v.historyData(msg.Fields)
	case bridge.CmdOpenPosition:
		return v.openPosition(msg.Fields)
	case bridge.CmdClosePosition:
		return v.closePosition(msg.Fields)
	case bridge.CmdModifyPosition:
		return v.modifyPosition(msg.Fields)
	default:
		return fmt.Sprintf("ERROR:REASON:unknown command %s", msg.Type)
	}
}

func main() {
	var (
		addr      = flag.String("connect", "127.0.0.1:5555", "bridge channel address")
		transport = flag.String("transport", "tcp", "tcp or ws")
		owner     = flag.Int64("owner", 77, "magic number reported on positions")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "price walk seed")
		tickEvery = flag.Duration("tick", 2*time.Second, "market data push interval")
	)
	flag.Parse()

	v := newVenue(*seed, *owner)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := serve(v, *addr, *transport, *tickEvery, stop); err != nil {
			log.Printf("session ended: %v; reconnecting", err)
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func serve(v *venue, addr, transport string, tickEvery time.Duration, stop <-chan os.Signal) error {
	var (
		conn wire
		err  error
	)
	switch transport {
	case "ws":
		conn, err = dialWS(addr)
	default:
		conn, err = dialTCP(addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("connected to bridge at %s (%s)", addr, transport)

	var wm sync.Mutex
	send := func(s string) error {
		wm.Lock()
		defer wm.Unlock()
		return conn.WriteLine(s)
	}

	if err := send(fmt.Sprintf("INIT:ACCOUNT:100123;BROKER:SimVenue;CURRENCY:USD;LEVERAGE:100;TIME:%d", time.Now().Unix())); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-stop:
				return
			case <-ticker.C:
				v.drift()
				for _, sym := range v.symbols() {
					if err := send(v.marketData(sym)); err != nil {
						return
					}
				}
			}
		}
	}()
	defer close(done)

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := send(v.handle(line)); err != nil {
			return err
		}
	}
}
