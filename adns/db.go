/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DefaultStateTables = map[string]string{

	// One row per secondary zone: the SOA values of the last committed
	// transfer plus enough timer state to resume the refresh schedule
	// after a restart.
	"ZoneXfrState": `CREATE TABLE IF NOT EXISTS 'ZoneXfrState' (
zone		  TEXT PRIMARY KEY,
state		  TEXT,
serial		  INTEGER,
refresh		  INTEGER,
retry		  INTEGER,
expire		  INTEGER,
acquired	  INTEGER,
notified_serial	  INTEGER,
master_idx	  INTEGER
)`,
}

// ZoneXfrState is one persisted row: what the coordinator knew about a
// zone when it last wrote it down. NotifiedSerial is nil when no NOTIFY
// is outstanding.
type ZoneXfrState struct {
	Zone           string
	State          ZoneState
	Serial         uint32
	Refresh        uint32
	Retry          uint32
	Expire         uint32
	Acquired       time.Time
	NotifiedSerial *uint32
	MasterIdx      int
}

type StateTx struct {
	*sql.Tx
	StateDB *StateDB
	context string
}

func (tx *StateTx) Commit() error {
	err := tx.Tx.Commit()
	tx.StateDB.Ctx = ""
	if err != nil {
		log.Printf("Error committing StateDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *StateTx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.StateDB.Ctx = ""
	if err != nil {
		log.Printf("Error rolling back StateDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *StateTx) Exec(query string, args ...interface{}) (sql.Result, error) {
	result, err := tx.Tx.Exec(query, args...)
	if err != nil {
		log.Printf("Error executing StateDB Exec (%s): %v", tx.context, err)
	}
	return result, err
}

type StateDB struct {
	DB  *sql.DB
	Ctx string
}

func (db *StateDB) Prepare(q string) (*sql.Stmt, error) {
	return db.DB.Prepare(q)
}

// Begin opens a transaction tagged with a context string. Only one
// outstanding transaction at a time.
func (db *StateDB) Begin(context string) (*StateTx, error) {
	if db.Ctx != "" {
		log.Printf("Error: StateDB transaction already in progress: %s", db.Ctx)
		return nil, fmt.Errorf("StateDB transaction already in progress: %s", db.Ctx)
	}
	db.Ctx = context
	tx, err := db.DB.Begin()
	if err != nil {
		log.Printf("Error beginning transaction (%s): %v", context, err)
		return nil, err
	}
	return &StateTx{Tx: tx, StateDB: db, context: context}, nil
}

func (db *StateDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(query, args...)
}

func (db *StateDB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(query, args...)
}

func (db *StateDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(query, args...)
}

func (db *StateDB) Close() error {
	return db.DB.Close()
}

func dbSetupTables(db *sql.DB) {
	for t, s := range DefaultStateTables {
		stmt, err := db.Prepare(s)
		if err != nil {
			log.Printf("dbSetupTables: Error from %s schema \"%s\": %v\n", t, s, err)
			continue
		}
		_, err = stmt.Exec()
		if err != nil {
			log.Fatalf("Failed to set up db schema: %s. Error: %v", s, err)
		}
	}
}

func NewStateDB(dbfile string, force bool) (*StateDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("error: state DB filename unspecified")
	}
	f, err := os.OpenFile(dbfile, os.O_RDWR|os.O_CREATE, 0664)
	if err != nil {
		return nil, fmt.Errorf("NewStateDB: state db %s is not writable: %v", dbfile, err)
	}
	f.Close()
	if err := os.Chmod(dbfile, 0664); err != nil {
		return nil, fmt.Errorf("NewStateDB: Error trying to ensure that db %s is writable: %v", dbfile, err)
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewStateDB: Error from sql.Open: %v", err)
	}

	if force {
		for table := range DefaultStateTables {
			sqlcmd := "DROP TABLE IF EXISTS " + table
			_, err = db.Exec(sqlcmd)
			if err != nil {
				return nil, fmt.Errorf("NewStateDB: Error when dropping table %s: %v", table, err)
			}
		}
	}
	dbSetupTables(db)
	return &StateDB{DB: db}, nil
}

const (
	zoneStateUpsertSql = `
INSERT INTO ZoneXfrState (zone, state, serial, refresh, retry, expire, acquired, notified_serial, master_idx)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (zone) DO UPDATE SET
state=excluded.state, serial=excluded.serial, refresh=excluded.refresh,
retry=excluded.retry, expire=excluded.expire, acquired=excluded.acquired,
notified_serial=excluded.notified_serial, master_idx=excluded.master_idx`

	zoneStateSelectSql = `
SELECT zone, state, serial, refresh, retry, expire, acquired, notified_serial, master_idx
FROM ZoneXfrState`
)

// SaveZoneState writes (or overwrites) the row for zs.Zone.
func (db *StateDB) SaveZoneState(zs *ZoneXfrState) error {
	var notified interface{}
	if zs.NotifiedSerial != nil {
		notified = int64(*zs.NotifiedSerial)
	}
	var acquired int64
	if !zs.Acquired.IsZero() {
		acquired = zs.Acquired.Unix()
	}
	_, err := db.Exec(zoneStateUpsertSql,
		zs.Zone, ZoneStateToString[zs.State], int64(zs.Serial),
		int64(zs.Refresh), int64(zs.Retry), int64(zs.Expire),
		acquired, notified, zs.MasterIdx)
	if err != nil {
		return fmt.Errorf("SaveZoneState(%s): %v", zs.Zone, err)
	}
	return nil
}

// ZoneState reads the row for zone; nil without error when absent.
func (db *StateDB) ZoneState(zone string) (*ZoneXfrState, error) {
	row := db.QueryRow(zoneStateSelectSql+" WHERE zone = ?", zone)
	zs, err := scanZoneState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return zs, err
}

// AllZoneStates loads every persisted row, keyed by zone name.
func (db *StateDB) AllZoneStates() (map[string]*ZoneXfrState, error) {
	rows, err := db.Query(zoneStateSelectSql)
	if err != nil {
		return nil, fmt.Errorf("AllZoneStates: %v", err)
	}
	defer rows.Close()

	res := map[string]*ZoneXfrState{}
	for rows.Next() {
		zs, err := scanZoneState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("AllZoneStates: %v", err)
		}
		res[zs.Zone] = zs
	}
	return res, rows.Err()
}

func (db *StateDB) DeleteZoneState(zone string) error {
	_, err := db.Exec("DELETE FROM ZoneXfrState WHERE zone = ?", zone)
	return err
}

func scanZoneState(scan func(...interface{}) error) (*ZoneXfrState, error) {
	var zs ZoneXfrState
	var state string
	var serial, refresh, retry, expire, acquired int64
	var notified sql.NullInt64

	err := scan(&zs.Zone, &state, &serial, &refresh, &retry, &expire,
		&acquired, &notified, &zs.MasterIdx)
	if err != nil {
		return nil, err
	}
	for st, name := range ZoneStateToString {
		if name == state {
			zs.State = st
		}
	}
	zs.Serial = uint32(serial)
	zs.Refresh = uint32(refresh)
	zs.Retry = uint32(retry)
	zs.Expire = uint32(expire)
	if acquired != 0 {
		zs.Acquired = time.Unix(acquired, 0)
	}
	if notified.Valid {
		n := uint32(notified.Int64)
		zs.NotifiedSerial = &n
	}
	return &zs, nil
}
