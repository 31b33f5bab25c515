/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

// ZoneState is the transfer coordinator's view of a secondary zone.
type ZoneState uint8

const (
	StateExpired ZoneState = iota
	StateRefreshing
	StateOK
)

var ZoneStateToString = map[ZoneState]string{
	StateExpired:    "expired",
	StateRefreshing: "refreshing",
	StateOK:         "ok",
}

// SoaInfo is the timing-relevant part of a SOA plus the moment it was
// acquired. Acquired.IsZero() means "no SOA known".
type SoaInfo struct {
	Serial   uint32
	Refresh  uint32
	Retry    uint32
	Expire   uint32
	Acquired time.Time
}

func (si *SoaInfo) Known() bool {
	return !si.Acquired.IsZero()
}

// serial arithmetic per RFC 1982, serial bits 32
const year68 = uint32(1) << 31

// SerialGt reports a > b in serial number arithmetic.
func SerialGt(a, b uint32) bool {
	return (a < b && b-a > year68) || (a > b && a-b < year68)
}

// ZoneData is the registry entry for one configured zone: where it comes
// from, who to notify, which keys to use. The loaded records live in the
// NameDB snapshot, not here.
type ZoneData struct {
	mu       sync.Mutex
	ZoneName string
	ZoneType ZoneType
	Zonefile string
	Masters  []string          // host:port, in configured order
	Notify   []string          // host:port
	AxfrOnly bool              // master cannot do IXFR
	TsigKeys map[string]string // master or notify target -> key name
	Error    bool              // zone is in error state (parse failure etc)
	ErrorMsg string
	Logger   *log.Logger
}

func (zd *ZoneData) TsigKeyFor(addr string) string {
	if zd.TsigKeys == nil {
		return ""
	}
	return zd.TsigKeys[addr]
}

func (zd *ZoneData) SetError(format string, args ...interface{}) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.Error = true
	zd.ErrorMsg = fmt.Sprintf(format, args...)
}

// ZoneRefresher asks the transfer coordinator to refresh (or first load)
// a zone right away. Force bypasses the serial check on zone file reload.
type ZoneRefresher struct {
	Name     string
	Force    bool
	Response chan RefresherResponse
}

type RefresherResponse struct {
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

// XfrdNotify is an inbound NOTIFY, forwarded by the notify responder to
// the transfer coordinator. Serial is nil when the NOTIFY carried no SOA.
type XfrdNotify struct {
	ZoneName string
	Serial   *uint32
	Source   string
}

// NotifyRequest asks the notifier engine to tell downstreams about a new
// serial for ZoneName.
type NotifyRequest struct {
	ZoneName string
	Serial   uint32
	Targets  []string
	Response chan NotifyResponse
}

type NotifyResponse struct {
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

// DnsNotifyRequest hands an inbound NOTIFY packet from the DNS engine to
// the notify responder.
type DnsNotifyRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Qname          string
}
