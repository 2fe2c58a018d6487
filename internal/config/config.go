package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Bridge struct {
	Listen            string  `yaml:"listen"`              // adapter socket address
	Transport         string  `yaml:"transport"`           // "tcp" or "ws"
	LivenessSecs      int     `yaml:"liveness_seconds"`    // silence before reporting disconnected
	CommandsPerSecond float64 `yaml:"commands_per_second"` // outbound rate limit
}

type Refresh struct {
	AccountSecs    int `yaml:"account_seconds"`
	MarketDataSecs int `yaml:"market_data_seconds"`
	PositionsSecs  int `yaml:"positions_seconds"`
	HistorySecs    int `yaml:"history_seconds"`
	BackoffSecs    int `yaml:"backoff_seconds"`
}

type Store struct {
	SQLitePath   string `yaml:"sqlite_path"`
	FallbackPath string `yaml:"fallback_path"`
	JournalPath  string `yaml:"journal_path"`
}

type Agent struct {
	Mode            string   `yaml:"mode"` // observation | semi_automatic | automatic
	OwnerID         int64    `yaml:"owner_id"`
	Instruments     []string `yaml:"instruments"`
	LoopIntervalMs  int      `yaml:"loop_interval_ms"`
	StopTimeoutSecs int      `yaml:"stop_timeout_seconds"`
	Autostart       bool     `yaml:"autostart"`
}

type Root struct {
	LogLevel  string  `yaml:"log_level"`
	LogPretty bool    `yaml:"log_pretty"`
	HTTPAddr  string  `yaml:"http_addr"` // /metrics and /healthz
	Bridge    Bridge  `yaml:"bridge"`
	Refresh   Refresh `yaml:"refresh"`
	Store     Store   `yaml:"store"`
	Agent     Agent   `yaml:"agent"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8092"
	}

	// Bridge defaults
	if c.Bridge.Listen == "" {
		c.Bridge.Listen = "127.0.0.1:5555"
	}
	if c.Bridge.Transport == "" {
		c.Bridge.Transport = "tcp"
	}
	if c.Bridge.LivenessSecs == 0 {
		c.Bridge.LivenessSecs = 10
	}
	if c.Bridge.CommandsPerSecond == 0 {
		c.Bridge.CommandsPerSecond = 20
	}

	// Refresh defaults
	if c.Refresh.AccountSecs == 0 {
		c.Refresh.AccountSecs = 60
	}
	if c.Refresh.MarketDataSecs == 0 {
		c.Refresh.MarketDataSecs = 30
	}
	if c.Refresh.PositionsSecs == 0 {
		c.Refresh.PositionsSecs = 15
	}
	if c.Refresh.HistorySecs == 0 {
		c.Refresh.HistorySecs = 300
	}
	if c.Refresh.BackoffSecs == 0 {
		c.Refresh.BackoffSecs = 5
	}

	// Store defaults
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "data/agent.db"
	}
	if c.Store.FallbackPath == "" {
		c.Store.FallbackPath = "data/agent_config.json"
	}
	if c.Store.JournalPath == "" {
		c.Store.JournalPath = "data/journal.jsonl"
	}

	// Agent defaults
	if c.Agent.Mode == "" {
		c.Agent.Mode = "observation"
	}
	if len(c.Agent.Instruments) == 0 {
		c.Agent.Instruments = []string{"EURUSD"}
	}
	if c.Agent.LoopIntervalMs == 0 {
		c.Agent.LoopIntervalMs = 1000
	}
	if c.Agent.StopTimeoutSecs == 0 {
		c.Agent.StopTimeoutSecs = 10
	}

	return c, nil
}

func (r Refresh) Backoff() time.Duration { return time.Duration(r.BackoffSecs) * time.Second }
