package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jeden-/mt5agent/internal/signal"
)

// Record is one signal-handling decision made by the agent.
type Record struct {
	Action    string        `json:"action"` // observed | queued | executed | approved | rejected
	Mode      string        `json:"mode"`
	Symbol    string        `json:"symbol"`
	Direction string        `json:"direction"`
	Volume    float64       `json:"volume"`
	Signal    signal.Signal `json:"signal"`
}

type entry struct {
	Type  string    `json:"type"`
	Data  Record    `json:"data"`
	Event time.Time `json:"event"`
}

// Journal is an append-only JSONL audit trail of what the agent did with
// each signal.
type Journal struct {
	path string
}

func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Journal{path: path}, nil
}

// Write appends one record.
func (j *Journal) Write(rec Record) error {
	e := entry{Type: "signal", Data: rec, Event: time.Now().UTC()}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentExecution reports whether a submission for the symbol was
// journaled within the window. Used to suppress duplicate automatic
// submissions; the venue would otherwise see the signal twice on a fast
// reconnect.
func (j *Journal) HasRecentExecution(symbol string, window time.Duration) (bool, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-window)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Event.Before(cutoff) {
			continue
		}
		if (e.Data.Action == "executed" || e.Data.Action == "approved") && e.Data.Symbol == symbol {
			return true, nil
		}
	}
	return false, sc.Err()
}
