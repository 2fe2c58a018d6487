package bridge

import (
	"strconv"
	"strings"
)

// Outbound command types understood by the venue adapter.
const (
	CmdOpenPosition   = "OPEN_POSITION"
	CmdClosePosition  = "CLOSE_POSITION"
	CmdModifyPosition = "MODIFY_POSITION"
	CmdPing           = "PING"
	CmdGetAccountInfo = "GET_ACCOUNT_INFO"
	CmdGetMarketData  = "GET_MARKET_DATA"
	CmdGetPositions   = "GET_POSITIONS"
	CmdGetHistory     = "GET_HISTORY"
)

// Inbound message types emitted by the venue adapter.
const (
	MsgMarketData      = "MARKET_DATA"
	MsgPositionsUpdate = "POSITIONS_UPDATE"
	MsgAccountInfo     = "ACCOUNT_INFO"
	MsgHistoryData     = "HISTORY_DATA"
	MsgInit            = "INIT"
	MsgDeinit          = "DEINIT"
	MsgError           = "ERROR"
	MsgSuccess         = "SUCCESS"
	MsgPong            = "PONG"
	MsgClose           = "CLOSE"
)

// Command is one outbound unit for the adapter, serialized as "TYPE:payload".
type Command struct {
	Type    string
	Payload string
}

func (c Command) Format() string {
	return c.Type + ":" + c.Payload
}

// Message is one inbound unit from the adapter. Raw keeps the payload text;
// Fields holds the parsed key-value view.
type Message struct {
	Type   string
	Raw    string
	Fields *Fields
}

// Fields is an insertion-ordered key-value map parsed from wire payloads.
// Values are string, int64 or float64 depending on what the text looked like.
type Fields struct {
	keys []string
	vals map[string]any
}

func NewFields() *Fields {
	return &Fields{vals: map[string]any{}}
}

func (f *Fields) Set(key string, val any) {
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = val
}

func (f *Fields) Get(key string) (any, bool) {
	v, ok := f.vals[key]
	return v, ok
}

func (f *Fields) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *Fields) Len() int { return len(f.keys) }

// String returns the value as text regardless of its parsed type.
func (f *Fields) String(key string) string {
	v, ok := f.vals[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Float returns a numeric value; string values that didn't look numeric
// report false.
func (f *Fields) Float(key string) (float64, bool) {
	v, ok := f.vals[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func (f *Fields) Int(key string) (int64, bool) {
	v, ok := f.vals[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

// ParseMessage splits "TYPE:payload" into its message envelope. A frame with
// no colon is a bare type with an empty payload.
func ParseMessage(line string) Message {
	line = strings.TrimRight(line, "\r\n")
	typ, payload, found := strings.Cut(line, ":")
	if !found {
		payload = ""
	}
	return Message{Type: typ, Raw: payload, Fields: ParsePayload(payload)}
}

// ParsePayload parses "KEY1:VAL1;KEY2:VAL2" into ordered fields. Parsing
// never fails: empty or malformed input yields an empty map, and pairs
// without a colon are skipped. Numeric-looking values coerce to int64 first,
// then float64.
func ParsePayload(payload string) *Fields {
	f := NewFields()
	if strings.TrimSpace(payload) == "" {
		return f
	}
	for _, pair := range strings.Split(payload, ";") {
		key, val, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		f.Set(key, coerce(strings.TrimSpace(val)))
	}
	return f
}

// SplitRecords splits a repeated-record payload on the '|' separator.
func SplitRecords(payload string) []string {
	if strings.TrimSpace(payload) == "" {
		return nil
	}
	var out []string
	for _, rec := range strings.Split(payload, "|") {
		if strings.TrimSpace(rec) != "" {
			out = append(out, rec)
		}
	}
	return out
}

// FormatFields renders ordered fields back to wire text.
func FormatFields(f *Fields) string {
	var b strings.Builder
	for i, k := range f.keys {
		if i > 0 {
			b.WriteString(";")
		}
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(f.String(k))
	}
	return b.String()
}

func coerce(val string) any {
	if val == "" {
		return ""
	}
	if i, err := strconv.ParseInt(val, 10, 64); err == nil {
		return i
	}
	if fl, err := strconv.ParseFloat(val, 64); err == nil {
		return fl
	}
	return val
}

// formatFloat renders floats the way the adapter expects: no exponent, no
// trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
