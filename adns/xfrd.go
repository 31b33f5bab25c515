/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/exp/rand"

	"github.com/VividCortex/ewma"
	"github.com/miekg/dns"
)

// The transfer coordinator runs one finite-state machine per secondary
// zone inside a single goroutine. Transfer attempts run in worker
// goroutines, one at most per zone, reporting back on an internal
// channel, so per-zone ordering is preserved while slow masters do not
// stall the other zones.

// xfrZone is the coordinator's state for one secondary zone.
type xfrZone struct {
	zd          *ZoneData
	state       ZoneState
	soaDisk     SoaInfo // SOA of the last committed transfer
	soaNotified *uint32 // serial from the last accepted NOTIFY
	masterIdx   int     // where the next pass over the masters starts
	pinnedIdx   int     // master pinned by NOTIFY, -1 when none
	rounds      int     // failed passes in the current episode
	refreshAt   time.Time
	expireAt    time.Time
	nextCheck   time.Time
	inFlight    bool
	renotify    bool // NOTIFY arrived while a transfer was in flight
	rtt         map[string]ewma.MovingAverage
}

type attemptKind uint8

const (
	attemptFailed attemptKind = iota
	attemptRenewed
	attemptCommitted
)

type masterRtt struct {
	master string
	rtt    time.Duration
}

// xfrAttemptResult is what one transfer episode reports back.
type xfrAttemptResult struct {
	zone      string
	kind      attemptKind
	newSoa    SoaInfo
	master    string
	masterIdx int
	samples   []masterRtt
	err       error
}

const (
	jitterFloor  = 10 * time.Second
	timerFloor   = 1 * time.Second
	rttEwmaDecay = 10.0
)

// jitterTimer shrinks d uniformly into [90 %, 100 %] of itself. Short
// timers stay exact.
func jitterTimer(d time.Duration) time.Duration {
	if d <= jitterFloor {
		return d
	}
	return d - time.Duration(rand.Int63n(int64(d/10)))
}

func clampTimer(d time.Duration) time.Duration {
	if d < timerFloor {
		return timerFloor
	}
	return d
}

// XfrdEngine is the transfer coordinator. It owns the per-zone transfer
// state machines, the journals and the persisted timer state, and it
// rebuilds the serving snapshot when committed transfers accumulate.
func XfrdEngine(conf *Config, stopch chan struct{}) error {
	zonerefch := conf.Internal.RefreshZoneCh
	notifyq := conf.Internal.XfrdNotifyQ
	reloadq := conf.Internal.ReloadQ
	registry := conf.Internal.Registry
	statedb := conf.Internal.StateDB

	if err := os.MkdirAll(conf.Xfr.JournalDir, 0775); err != nil {
		log.Printf("XfrdEngine: cannot create journal dir %s: %v", conf.Xfr.JournalDir, err)
	}

	zones := map[string]*xfrZone{}
	doneCh := make(chan xfrAttemptResult, 8)
	tcpSlots := make(chan struct{}, conf.Xfr.TcpSlots)

	persisted := map[string]*ZoneXfrState{}
	if statedb != nil {
		var err error
		persisted, err = statedb.AllZoneStates()
		if err != nil {
			log.Printf("XfrdEngine: cannot restore zone transfer state: %v", err)
			persisted = map[string]*ZoneXfrState{}
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	reloadTicker := time.NewTicker(conf.Xfr.ReloadEvery)
	defer reloadTicker.Stop()
	reloadPending := false

	log.Printf("XfrdEngine: starting, %d TCP transfer slots, reload interval %v",
		cap(tcpSlots), conf.Xfr.ReloadEvery)

	for {
		select {
		case <-stopch:
			log.Printf("XfrdEngine: terminating, persisting state for %d zones", len(zones))
			for _, xz := range zones {
				xz.persist(statedb)
			}
			return nil

		case zr := <-zonerefch:
			xfrdHandleRefresh(conf, zones, persisted, zr, &reloadPending, tcpSlots, doneCh)

		case n := <-notifyq:
			xfrdHandleNotify(conf, zones, persisted, n, tcpSlots, doneCh)

		case res := <-doneCh:
			xfrdHandleResult(conf, zones, res, &reloadPending, tcpSlots, doneCh)

		case zone := <-reloadq:
			log.Printf("XfrdEngine: snapshot rebuild requested (%s)", zone)
			xfrdReload(conf, zones)
			reloadPending = false

		case <-ticker.C:
			now := time.Now()
			for _, xz := range zones {
				xfrdTick(conf, xz, now, &reloadPending, tcpSlots, doneCh)
			}

		case <-reloadTicker.C:
			if reloadPending {
				xfrdReload(conf, zones)
				reloadPending = false
			}
		}
	}
}

// xfrdGetZone finds or creates the state machine for a secondary zone,
// seeding it from the persisted row or the serving snapshot.
func xfrdGetZone(conf *Config, zones map[string]*xfrZone, persisted map[string]*ZoneXfrState, zd *ZoneData) *xfrZone {
	if xz, ok := zones[zd.ZoneName]; ok {
		xz.zd = zd
		return xz
	}
	xz := &xfrZone{
		zd:        zd,
		state:     StateRefreshing,
		pinnedIdx: -1,
		nextCheck: time.Now(),
		rtt:       map[string]ewma.MovingAverage{},
	}
	if row := persisted[zd.ZoneName]; row != nil {
		xz.state = row.State
		xz.soaDisk = SoaInfo{
			Serial:   row.Serial,
			Refresh:  row.Refresh,
			Retry:    row.Retry,
			Expire:   row.Expire,
			Acquired: row.Acquired,
		}
		xz.soaNotified = row.NotifiedSerial
		xz.masterIdx = row.MasterIdx
		if xz.soaDisk.Known() {
			xz.armTimers()
		}
		log.Printf("XfrdEngine: zone %s restored at serial %d, state %s",
			zd.ZoneName, row.Serial, ZoneStateToString[row.State])
	} else if z := conf.Internal.Store.Current().Zone(zd.ZoneName); z != nil && z.SOA != nil {
		// compiled or journalled data but no state row: treat the
		// snapshot's SOA as freshly acquired
		xz.soaDisk = z.SoaTimers()
		xz.soaDisk.Acquired = time.Now()
		xz.state = StateOK
		xz.armTimers()
	}
	zones[zd.ZoneName] = xz
	return xz
}

func xfrdHandleRefresh(conf *Config, zones map[string]*xfrZone, persisted map[string]*ZoneXfrState,
	zr ZoneRefresher, reloadPending *bool, tcpSlots chan struct{}, doneCh chan xfrAttemptResult) {

	respond := func(msg string, bad bool) {
		if zr.Response != nil {
			zr.Response <- RefresherResponse{Zone: zr.Name, Msg: msg, Error: bad, ErrorMsg: msg}
		}
	}

	zd, ok := conf.Internal.Registry.Get(zr.Name)
	if !ok {
		log.Printf("XfrdEngine: refresh request for unknown zone %s", zr.Name)
		respond(fmt.Sprintf("unknown zone %s", zr.Name), true)
		return
	}

	if zd.ZoneType == Primary {
		// a primary refreshes from its zone file via snapshot rebuild
		*reloadPending = true
		respond(fmt.Sprintf("primary zone %s scheduled for reload", zr.Name), false)
		return
	}

	xz := xfrdGetZone(conf, zones, persisted, zd)
	if zr.Force || !xz.soaDisk.Known() {
		log.Printf("XfrdEngine: scheduling immediate refresh for zone %s", zr.Name)
		xz.state = StateRefreshing
		xz.rounds = 0
		xz.nextCheck = time.Now()
		if !xz.inFlight {
			xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
		}
	}
	respond(fmt.Sprintf("%s zone %s refreshing (force=%v)",
		ZoneTypeToString[zd.ZoneType], zr.Name, zr.Force), false)
}

func xfrdHandleNotify(conf *Config, zones map[string]*xfrZone, persisted map[string]*ZoneXfrState,
	n XfrdNotify, tcpSlots chan struct{}, doneCh chan xfrAttemptResult) {

	zd, ok := conf.Internal.Registry.Get(n.ZoneName)
	if !ok || zd.ZoneType != Secondary {
		log.Printf("XfrdEngine: NOTIFY for %s ignored, not a secondary here", n.ZoneName)
		return
	}
	xz := xfrdGetZone(conf, zones, persisted, zd)

	if n.Serial != nil && xz.soaDisk.Known() && !SerialGt(*n.Serial, xz.soaDisk.Serial) {
		log.Printf("XfrdEngine: zone %s: NOTIFY serial %d not newer than %d, ignored",
			n.ZoneName, *n.Serial, xz.soaDisk.Serial)
		return
	}

	xz.soaNotified = n.Serial
	for i, m := range zd.Masters {
		if m == n.Source {
			xz.pinnedIdx = i
			break
		}
	}

	if xz.inFlight {
		// fold into the running episode, re-probe once it ends
		xz.renotify = true
		xz.persist(conf.Internal.StateDB)
		return
	}
	log.Printf("XfrdEngine: zone %s: NOTIFY from %s, refreshing now", n.ZoneName, n.Source)
	xz.state = StateRefreshing
	xz.rounds = 0
	xz.nextCheck = time.Now()
	xz.persist(conf.Internal.StateDB)
	xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
}

func xfrdTick(conf *Config, xz *xfrZone, now time.Time, reloadPending *bool,
	tcpSlots chan struct{}, doneCh chan xfrAttemptResult) {

	if xz.inFlight || len(xz.zd.Masters) == 0 {
		return
	}
	switch xz.state {
	case StateOK:
		if xz.soaDisk.Known() && now.After(xz.refreshAt) {
			xz.state = StateRefreshing
			xz.rounds = 0
			xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
		}
	case StateRefreshing:
		if xz.soaDisk.Known() && now.After(xz.expireAt) {
			log.Printf("XfrdEngine: zone %s expired (serial %d, acquired %v)",
				xz.zd.ZoneName, xz.soaDisk.Serial, xz.soaDisk.Acquired.Format(time.RFC3339))
			xz.state = StateExpired
			xz.nextCheck = now.Add(xz.retryInterval(conf))
			xz.persist(conf.Internal.StateDB)
			*reloadPending = true // rebuild wipes the zone, queries turn SERVFAIL
			return
		}
		if now.After(xz.nextCheck) {
			xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
		}
	case StateExpired:
		if now.After(xz.nextCheck) {
			xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
		}
	}
}

// xfrdStartEpisode launches one pass over the masters in a worker
// goroutine. The pinned master, when set, goes first and the pin is
// consumed.
func xfrdStartEpisode(conf *Config, xz *xfrZone, tcpSlots chan struct{}, doneCh chan xfrAttemptResult) {
	masters := make([]string, len(xz.zd.Masters))
	copy(masters, xz.zd.Masters)
	if len(masters) == 0 {
		return
	}
	start := xz.masterIdx
	if xz.pinnedIdx >= 0 && xz.pinnedIdx < len(masters) {
		start = xz.pinnedIdx
		xz.pinnedIdx = -1
	}
	if start >= len(masters) {
		start = 0
	}
	xz.inFlight = true
	go xfrdEpisode(conf, xz.zd, xz.soaDisk, masters, start, tcpSlots, doneCh)
}

// xfrdEpisode tries each master once, starting at start, and reports
// the first success or a collected failure.
func xfrdEpisode(conf *Config, zd *ZoneData, soa SoaInfo, masters []string, start int,
	tcpSlots chan struct{}, doneCh chan<- xfrAttemptResult) {

	res := xfrAttemptResult{zone: zd.ZoneName, masterIdx: start}
	var lastErr error

	for i := 0; i < len(masters); i++ {
		idx := (start + i) % len(masters)
		master := masters[idx]

		kind, newSoa, rtt, err := xfrdTryMaster(conf, zd, soa, master, tcpSlots)
		if rtt > 0 {
			res.samples = append(res.samples, masterRtt{master: master, rtt: rtt})
		}
		if err != nil {
			log.Printf("XfrdEngine: zone %s: master %s: %v", zd.ZoneName, master, err)
			lastErr = err
			continue
		}
		res.kind = kind
		res.newSoa = newSoa
		res.master = master
		res.masterIdx = idx
		doneCh <- res
		return
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no masters configured")
	}
	res.err = fmt.Errorf("zone %s: pass over %d masters failed: %v", zd.ZoneName, len(masters), lastErr)
	doneCh <- res
}

// xfrdTryMaster runs the probe-then-transfer protocol against one
// master: UDP IXFR probe first when possible, TCP IXFR on truncation,
// TCP AXFR when no increment can be had.
func xfrdTryMaster(conf *Config, zd *ZoneData, soa SoaInfo, master string,
	tcpSlots chan struct{}) (attemptKind, SoaInfo, time.Duration, error) {

	ttype := "axfr"
	if soa.Known() && !zd.AxfrOnly {
		outcome, msg, rtt, err := zd.IxfrProbe(conf, master, soa)
		if err != nil {
			return attemptFailed, SoaInfo{}, rtt, err
		}
		switch outcome {
		case ProbeUpToDate:
			return attemptRenewed, soa, rtt, nil
		case ProbeDelta:
			wire, err := msg.Pack()
			if err != nil {
				return attemptFailed, SoaInfo{}, rtt, err
			}
			newSoa := SoaInfoFromRR(msg.Answer[0].(*dns.SOA))
			err = journalTransfer(conf, zd, soa.Serial, msg.Id, newSoa.Serial, [][]byte{wire}, "ixfr", master)
			if err != nil {
				return attemptFailed, SoaInfo{}, rtt, err
			}
			return attemptCommitted, newSoa, rtt, nil
		case ProbeNeedTcp:
			ttype = "ixfr"
		case ProbeNeedAxfr:
			ttype = "axfr"
		}
	}

	select {
	case tcpSlots <- struct{}{}:
	case <-time.After(xfrTimeout):
		return attemptFailed, SoaInfo{}, 0, fmt.Errorf("no TCP transfer slot within %v", xfrTimeout)
	}
	began := time.Now()
	parts, qid, newSoa, err := zd.ZoneTransferIn(conf, master, soa.Serial, ttype)
	<-tcpSlots
	rtt := time.Since(began)
	if err != nil {
		return attemptFailed, SoaInfo{}, rtt, err
	}
	if err := journalTransfer(conf, zd, soa.Serial, qid, newSoa.Serial, parts, ttype, master); err != nil {
		return attemptFailed, SoaInfo{}, rtt, err
	}
	return attemptCommitted, newSoa, rtt, nil
}

func journalTransfer(conf *Config, zd *ZoneData, serialOld uint32, qid uint16,
	serialNew uint32, parts [][]byte, ttype, master string) error {

	jnl := NewJournal(conf.Xfr.JournalDir, zd.ZoneName)
	if err := jnl.Begin(serialOld, serialNew, qid); err != nil {
		return err
	}
	for _, p := range parts {
		if err := jnl.WritePart(p); err != nil {
			jnl.Abort()
			return err
		}
	}
	return jnl.Commit(fmt.Sprintf("%s %d -> %d from %s", ttype, serialOld, serialNew, master))
}

func xfrdHandleResult(conf *Config, zones map[string]*xfrZone, res xfrAttemptResult,
	reloadPending *bool, tcpSlots chan struct{}, doneCh chan xfrAttemptResult) {

	xz, ok := zones[res.zone]
	if !ok {
		return // zone was removed while the transfer ran
	}
	xz.inFlight = false
	for _, s := range res.samples {
		xz.noteRtt(s.master, s.rtt)
	}

	switch res.kind {
	case attemptCommitted:
		log.Printf("XfrdEngine: zone %s: committed serial %d from %s",
			res.zone, res.newSoa.Serial, res.master)
		conf.Internal.Stats.XfrIn.Add(1)
		xz.soaDisk = res.newSoa
		xz.state = StateOK
		xz.rounds = 0
		xz.masterIdx = res.masterIdx
		if xz.soaNotified != nil && !SerialGt(*xz.soaNotified, res.newSoa.Serial) {
			xz.soaNotified = nil
		}
		xz.armTimers()
		*reloadPending = true
		xfrdSendNotify(conf, xz.zd, res.newSoa.Serial)

	case attemptRenewed:
		log.Printf("XfrdEngine: zone %s: serial %d still current at %s, lease renewed",
			res.zone, xz.soaDisk.Serial, res.master)
		xz.soaDisk.Acquired = time.Now()
		xz.state = StateOK
		xz.rounds = 0
		xz.masterIdx = res.masterIdx
		xz.armTimers()

	default:
		xz.rounds++
		if xz.rounds >= conf.Xfr.MaxRounds {
			wait := xz.retryInterval(conf)
			log.Printf("XfrdEngine: %v; %d passes failed, retrying in %v", res.err, xz.rounds, wait)
			xz.rounds = 0
			xz.nextCheck = time.Now().Add(wait)
		} else {
			log.Printf("XfrdEngine: %v; starting next pass", res.err)
			xz.nextCheck = time.Now()
		}
		xz.persist(conf.Internal.StateDB)
		return
	}

	xz.persist(conf.Internal.StateDB)

	// a NOTIFY that arrived mid-transfer, or one promising a serial we
	// still do not have, triggers a fresh probe right away
	if xz.renotify || (xz.soaNotified != nil && SerialGt(*xz.soaNotified, xz.soaDisk.Serial)) {
		xz.renotify = false
		xz.state = StateRefreshing
		xz.nextCheck = time.Now()
		xfrdStartEpisode(conf, xz, tcpSlots, doneCh)
	}
}

// xfrdSendNotify queues outbound NOTIFYs for the zone's targets.
func xfrdSendNotify(conf *Config, zd *ZoneData, serial uint32) {
	if len(zd.Notify) == 0 {
		return
	}
	select {
	case conf.Internal.NotifyQ <- NotifyRequest{ZoneName: zd.ZoneName, Serial: serial, Targets: zd.Notify}:
	default:
		log.Printf("XfrdEngine: zone %s: notify queue full, downstreams not notified", zd.ZoneName)
	}
}

func (xz *xfrZone) armTimers() {
	refresh := clampTimer(time.Duration(xz.soaDisk.Refresh) * time.Second)
	expire := clampTimer(time.Duration(xz.soaDisk.Expire) * time.Second)
	xz.refreshAt = xz.soaDisk.Acquired.Add(jitterTimer(refresh))
	xz.expireAt = xz.soaDisk.Acquired.Add(jitterTimer(expire))
	xz.nextCheck = xz.refreshAt
}

// retryInterval is how long a zone waits after a failed episode, from
// the SOA retry value floored by the configured minimum.
func (xz *xfrZone) retryInterval(conf *Config) time.Duration {
	retry := xz.soaDisk.Retry
	if retry < conf.Xfr.MinRetry {
		retry = conf.Xfr.MinRetry
	}
	return jitterTimer(clampTimer(time.Duration(retry) * time.Second))
}

// noteRtt folds one sample into the per-master moving average.
func (xz *xfrZone) noteRtt(master string, sample time.Duration) {
	avg, ok := xz.rtt[master]
	if !ok {
		avg = ewma.NewMovingAverage(rttEwmaDecay)
		xz.rtt[master] = avg
	}
	avg.Add(float64(sample.Milliseconds()))
	log.Printf("XfrdEngine: zone %s: master %s rtt %v (avg %dms)",
		xz.zd.ZoneName, master, sample, int(avg.Value()))
}

func (xz *xfrZone) persist(statedb *StateDB) {
	if statedb == nil {
		return
	}
	row := &ZoneXfrState{
		Zone:           xz.zd.ZoneName,
		State:          xz.state,
		Serial:         xz.soaDisk.Serial,
		Refresh:        xz.soaDisk.Refresh,
		Retry:          xz.soaDisk.Retry,
		Expire:         xz.soaDisk.Expire,
		Acquired:       xz.soaDisk.Acquired,
		NotifiedSerial: xz.soaNotified,
		MasterIdx:      xz.masterIdx,
	}
	if err := statedb.SaveZoneState(row); err != nil {
		log.Printf("XfrdEngine: %v", err)
	}
}

// xfrdReload rebuilds the serving snapshot from the compiled image or
// the zone files, replays committed journal entries on top, wipes
// expired zones and installs the result. The old snapshot keeps serving
// until the swap.
func xfrdReload(conf *Config, zones map[string]*xfrZone) {
	expired := map[string]bool{}
	for name, xz := range zones {
		if xz.state == StateExpired {
			expired[name] = true
		}
	}
	if err := RebuildZoneStore(conf, expired, false); err != nil {
		log.Printf("XfrdEngine: snapshot rebuild failed, keeping current: %v", err)
		return
	}
	log.Printf("XfrdEngine: new snapshot installed (%d zones, %d expired)",
		conf.Internal.Registry.Count(), len(expired))
}

// RebuildZoneStore builds a fresh NameDB and installs it: compiled
// image when configured, zone list compile otherwise, then committed
// journal entries per secondary zone. With rollback set, uncommitted
// journal tails are truncated first; only safe when no journal writer
// runs, so it is reserved for startup.
func RebuildZoneStore(conf *Config, expired map[string]bool, rollback bool) error {
	entries, err := ReadZoneList(conf.Xfr.ZoneListFile)
	if err != nil {
		return fmt.Errorf("cannot read zone list %s: %v", conf.Xfr.ZoneListFile, err)
	}

	var db *NameDB
	imgfile := conf.Xfr.DbFile
	if imgfile != "" {
		if _, serr := os.Stat(imgfile); serr == nil {
			db, err = LoadImage(imgfile)
			if err != nil {
				return fmt.Errorf("cannot load %s: %v", imgfile, err)
			}
		}
	}
	if db == nil {
		cc := NewCompileCtx(log.Default())
		cc.CompileZoneList(entries)
		if cc.Errors > 0 {
			return fmt.Errorf("%d zone compile errors", cc.Errors)
		}
		db = cc.DB
	}

	lg := log.Default()

	// Zones that left the list are dropped even when the image still
	// carries them.
	listed := map[string]bool{}
	for i := range entries {
		listed[entries[i].Name] = true
	}
	var gone []string
	for _, z := range db.ZoneList {
		if !listed[z.Name] {
			gone = append(gone, z.Name)
		}
	}
	for _, zname := range gone {
		if z := db.Zone(zname); z != nil {
			lg.Printf("RebuildZoneStore: zone %s no longer in zone list, dropping", zname)
			db.DeleteZone(z)
		}
	}

	// Primaries the image does not know about yet (added since the last
	// zonec run) are compiled straight from their zone files.
	for i := range entries {
		e := &entries[i]
		if e.Type() != Primary {
			continue
		}
		z := db.Zone(e.Name)
		if z != nil && z.SOA != nil {
			continue
		}
		if z == nil {
			z = db.AddZone(e.Name)
		}
		cc := &CompileCtx{DB: db, Logger: lg}
		if err := cc.ReadZone(z, e.File); err != nil {
			lg.Printf("RebuildZoneStore: zone %s: %v", e.Name, err)
			continue
		}
		if cc.Errors > 0 || z.SOA == nil {
			lg.Printf("RebuildZoneStore: zone %s: %d errors compiling %s, zone not servable",
				e.Name, cc.Errors, e.File)
			db.WipeZone(z)
		}
	}
	for i := range entries {
		e := &entries[i]
		if e.Type() != Secondary {
			continue
		}
		z := db.Zone(e.Name)
		if z == nil {
			z = db.AddZone(e.Name)
		}
		path := JournalPath(conf.Xfr.JournalDir, e.Name)
		txns, goodOff, err := ReplayJournal(path)
		if err != nil {
			lg.Printf("RebuildZoneStore: zone %s: journal unreadable: %v", e.Name, err)
			continue
		}
		if rollback {
			if err := RollbackJournal(path, goodOff, lg); err != nil {
				lg.Printf("RebuildZoneStore: zone %s: rollback: %v", e.Name, err)
			}
		}
		if err := db.ApplyCommitted(z, txns, lg); err != nil {
			lg.Printf("RebuildZoneStore: zone %s: %v", e.Name, err)
		}
		if expired[e.Name] {
			db.WipeZone(z)
		}
	}

	if err := db.Seal(); err != nil {
		return fmt.Errorf("cannot seal rebuilt database: %v", err)
	}
	conf.Internal.Store.Install(db)
	return nil
}
