/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Per-zone transfer journal. Each zone transfer is appended as a series
// of part records carrying the raw XFR response messages, closed by a
// commit record. Records after the last commit are rolled back on
// restart. The file is append-only with a single writer.
//
// Part record:   "IXFR" serial-old u32, serial-new u32, query-id u16,
//                seq-nr u32, len u32, bytes.
// Commit record: "SURE" serial-old u32, serial-new u32, query-id u16,
//                part count u32, unix time u64, msg len u16, msg.

var (
	journalPartMagic   = []byte("IXFR")
	journalCommitMagic = []byte("SURE")
)

type Journal struct {
	Zone string
	Path string

	f        *os.File
	startOff int64 // offset of the open transfer, for abort
	seq      uint32
	oldSer   uint32
	newSer   uint32
	qid      uint16
	parts    uint32
}

// JournalTxn is one committed transfer read back from a journal.
type JournalTxn struct {
	SerialOld uint32
	SerialNew uint32
	QueryID   uint16
	Parts     [][]byte
	When      time.Time
	Msg       string
}

// JournalPath maps a zone name to its journal file under dir.
func JournalPath(dir, zone string) string {
	name := strings.TrimSuffix(CanonicalName(zone), ".")
	if name == "" {
		name = "root"
	}
	name = strings.ReplaceAll(name, "/", "%2f")
	return filepath.Join(dir, name+".journal")
}

func NewJournal(dir, zone string) *Journal {
	return &Journal{
		Zone: CanonicalName(zone),
		Path: JournalPath(dir, zone),
	}
}

// Begin opens the journal for a new transfer serialOld -> serialNew.
// Any transfer left open is aborted first.
func (j *Journal) Begin(serialOld, serialNew uint32, qid uint16) error {
	if j.f != nil {
		j.Abort()
	}
	f, err := os.OpenFile(j.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot open journal %s: %v", j.Path, err)
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	j.f = f
	j.startOff = off
	j.seq = 0
	j.parts = 0
	j.oldSer = serialOld
	j.newSer = serialNew
	j.qid = qid
	return nil
}

// WritePart appends one XFR response message to the open transfer.
func (j *Journal) WritePart(wire []byte) error {
	if j.f == nil {
		return fmt.Errorf("journal %s: no open transfer", j.Path)
	}
	var buf bytes.Buffer
	buf.Write(journalPartMagic)
	buf.Write(binary.BigEndian.AppendUint32(nil, j.oldSer))
	buf.Write(binary.BigEndian.AppendUint32(nil, j.newSer))
	buf.Write(binary.BigEndian.AppendUint16(nil, j.qid))
	buf.Write(binary.BigEndian.AppendUint32(nil, j.seq))
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(wire))))
	buf.Write(wire)
	if _, err := j.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("journal %s: short write: %v", j.Path, err)
	}
	j.seq++
	j.parts++
	return nil
}

// Commit seals the open transfer, syncs and closes the file.
func (j *Journal) Commit(msg string) error {
	if j.f == nil {
		return fmt.Errorf("journal %s: no open transfer", j.Path)
	}
	if len(msg) > 65535 {
		msg = msg[:65535]
	}
	var buf bytes.Buffer
	buf.Write(journalCommitMagic)
	buf.Write(binary.BigEndian.AppendUint32(nil, j.oldSer))
	buf.Write(binary.BigEndian.AppendUint32(nil, j.newSer))
	buf.Write(binary.BigEndian.AppendUint16(nil, j.qid))
	buf.Write(binary.BigEndian.AppendUint32(nil, j.parts))
	buf.Write(binary.BigEndian.AppendUint64(nil, uint64(time.Now().Unix())))
	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(msg))))
	buf.WriteString(msg)
	if _, err := j.f.Write(buf.Bytes()); err != nil {
		j.Abort()
		return fmt.Errorf("journal %s: commit write: %v", j.Path, err)
	}
	if err := j.f.Sync(); err != nil {
		j.Abort()
		return fmt.Errorf("journal %s: sync: %v", j.Path, err)
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Abort discards the open transfer by truncating back to its start.
func (j *Journal) Abort() {
	if j.f == nil {
		return
	}
	j.f.Truncate(j.startOff)
	j.f.Close()
	j.f = nil
}

// ReplayJournal scans path and returns the committed transfers in file
// order, plus the offset just past the last commit record. Anything
// beyond that offset is an uncommitted tail.
func ReplayJournal(path string) ([]JournalTxn, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		txns    []JournalTxn
		goodOff int64
		off     int64
		open    *JournalTxn
	)

	for {
		magic := make([]byte, 4)
		if _, err := io.ReadFull(r, magic); err != nil {
			// clean EOF or torn record, either way stop here
			return txns, goodOff, nil
		}
		off += 4

		switch {
		case bytes.Equal(magic, journalPartMagic):
			hdr := make([]byte, 4+4+2+4+4)
			if _, err := io.ReadFull(r, hdr); err != nil {
				return txns, goodOff, nil
			}
			off += int64(len(hdr))
			oldSer := binary.BigEndian.Uint32(hdr[0:4])
			newSer := binary.BigEndian.Uint32(hdr[4:8])
			qid := binary.BigEndian.Uint16(hdr[8:10])
			seq := binary.BigEndian.Uint32(hdr[10:14])
			size := binary.BigEndian.Uint32(hdr[14:18])
			if size > dns.MaxMsgSize {
				return txns, goodOff, nil
			}
			wire := make([]byte, size)
			if _, err := io.ReadFull(r, wire); err != nil {
				return txns, goodOff, nil
			}
			off += int64(size)

			if open == nil || open.SerialOld != oldSer || open.SerialNew != newSer || open.QueryID != qid {
				open = &JournalTxn{SerialOld: oldSer, SerialNew: newSer, QueryID: qid}
			}
			if seq != uint32(len(open.Parts)) {
				// out of sequence, drop the open transfer
				open = nil
				continue
			}
			open.Parts = append(open.Parts, wire)

		case bytes.Equal(magic, journalCommitMagic):
			hdr := make([]byte, 4+4+2+4+8+2)
			if _, err := io.ReadFull(r, hdr); err != nil {
				return txns, goodOff, nil
			}
			off += int64(len(hdr))
			oldSer := binary.BigEndian.Uint32(hdr[0:4])
			newSer := binary.BigEndian.Uint32(hdr[4:8])
			qid := binary.BigEndian.Uint16(hdr[8:10])
			nparts := binary.BigEndian.Uint32(hdr[10:14])
			when := binary.BigEndian.Uint64(hdr[14:22])
			msglen := binary.BigEndian.Uint16(hdr[22:24])
			msg := make([]byte, msglen)
			if _, err := io.ReadFull(r, msg); err != nil {
				return txns, goodOff, nil
			}
			off += int64(msglen)

			if open == nil || open.SerialOld != oldSer || open.SerialNew != newSer ||
				open.QueryID != qid || uint32(len(open.Parts)) != nparts {
				// commit without matching parts, skip it
				open = nil
				continue
			}
			open.When = time.Unix(int64(when), 0)
			open.Msg = string(msg)
			txns = append(txns, *open)
			open = nil
			goodOff = off

		default:
			// unknown record, treat the rest of the file as garbage
			return txns, goodOff, nil
		}
	}
}

// RollbackJournal truncates an uncommitted tail left by a crash.
func RollbackJournal(path string, goodOff int64, lg *log.Logger) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size() <= goodOff {
		return nil
	}
	if lg != nil {
		lg.Printf("RollbackJournal: %s: dropping %d uncommitted bytes", path, fi.Size()-goodOff)
	}
	return os.Truncate(path, goodOff)
}

// RRs unpacks the answer sections of all parts into one RR sequence.
func (t *JournalTxn) RRs() ([]dns.RR, error) {
	var out []dns.RR
	for i, wire := range t.Parts {
		m := new(dns.Msg)
		if err := m.Unpack(wire); err != nil {
			return nil, fmt.Errorf("part %d: %v", i, err)
		}
		out = append(out, m.Answer...)
	}
	return out, nil
}
