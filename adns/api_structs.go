/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"net/http"
	"sync/atomic"
	"time"
)

type CommandPost struct {
	Command    string
	SubCommand string
	Zone       string
	Force      bool
}

type CommandResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Msg      string
	Stats    *StatsSnapshot
	Error    bool
	ErrorMsg string
}

type ConfigPost struct {
	Command string // reload | reload-zones | status
}

type ConfigResponse struct {
	AppName   string
	Time      time.Time
	Msg       string
	DnsEngine DnsEngineConf
	ApiServer ApiServerConf
	Error     bool
	ErrorMsg  string
}

type ZonePost struct {
	Command  string // list | status | addzone | delzone | refresh | write
	Zone     string
	Force    bool
	Zonefile string   // addzone
	Masters  []string // addzone, empty means primary
	Notify   []string // addzone
}

type ZoneResponse struct {
	AppName  string
	Time     time.Time
	Zone     string
	Msg      string
	Zones    map[string]ZoneStatus
	Error    bool
	ErrorMsg string
}

// ZoneStatus is the per-zone view the control API reports: the
// configured role plus what the store and the coordinator know.
type ZoneStatus struct {
	Name     string
	Type     string
	State    string // coordinator state, empty for primaries
	Serial   uint32
	Acquired time.Time `json:",omitempty"`
	Zonefile string
	Masters  []string `json:",omitempty"`
	Notify   []string `json:",omitempty"`
	Error    bool     `json:",omitempty"`
	ErrorMsg string   `json:",omitempty"`
}

// Api is the client side of the control channel.
type Api struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	Authmethod string
	Verbose    bool
	Debug      bool
}

// ServerStats counts work done since boot. Bumped from the serving
// goroutines, read by the stats command.
type ServerStats struct {
	BootTime time.Time
	Queries  atomic.Uint64
	Notifies atomic.Uint64
	XfrOut   atomic.Uint64
	XfrIn    atomic.Uint64
}

func NewServerStats() *ServerStats {
	return &ServerStats{BootTime: time.Now()}
}

// StatsSnapshot is the JSON-friendly copy of ServerStats.
type StatsSnapshot struct {
	Uptime   string
	Queries  uint64
	Notifies uint64
	XfrOut   uint64
	XfrIn    uint64
}

func (s *ServerStats) Snapshot() *StatsSnapshot {
	return &StatsSnapshot{
		Uptime:   time.Since(s.BootTime).Round(time.Second).String(),
		Queries:  s.Queries.Load(),
		Notifies: s.Notifies.Load(),
		XfrOut:   s.XfrOut.Load(),
		XfrIn:    s.XfrIn.Load(),
	}
}
