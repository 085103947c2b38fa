// Package deadletter keeps records the sink rejected for good in an
// append-only journal on disk.
package deadletter

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghalamif/Tether/internal/adapters/codec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

const (
	// entry format: [8 bytes id][4 bytes len][len bytes json]
	headerLen = 12
	fileName  = "deadletter.log"
)

// Entry is one dead-lettered record.
type Entry struct {
	ID         uint64          `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	Epoch      uint64          `json:"epoch"`
	Seq        uint64          `json:"seq"`
	CapturedAt time.Time       `json:"captured_at"`
	DroppedAt  time.Time       `json:"dropped_at"`
	Cause      string          `json:"cause"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// Decode rebuilds the record carried by the entry.
func (e Entry) Decode() (*domain.Record, error) {
	if len(e.Record) == 0 {
		return nil, errors.New("entry has no record payload")
	}
	r, err := codec.Decode(e.Record)
	if err != nil {
		return nil, err
	}
	r.Epoch, r.Seq, r.CapturedAt = e.Epoch, e.Seq, e.CapturedAt
	return r, nil
}

type Stats struct {
	Entries   uint64
	LatestID  uint64
	SizeBytes int64
}

type Journal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *bufio.Writer
	nextID    uint64
	entries   uint64
	sizeBytes int64
	runID     string
	now       func() time.Time
}

// Open creates dir if needed and opens the journal, dropping a torn tail left
// by an interrupted append.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		now:    time.Now,
	}
	if err := j.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) scan() error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("deadletter scan header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])
		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("deadletter scan body: %w", err)
		}
		offset += headerLen + int64(length)
		j.nextID = id
		j.entries++
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	return nil
}

// BindRun stamps subsequent entries with runID.
func (j *Journal) BindRun(runID string) {
	j.mu.Lock()
	j.runID = runID
	j.mu.Unlock()
}

// Append writes the record and its cause and flushes it to the file.
func (j *Journal) Append(r *domain.Record, cause error) error {
	if r == nil {
		return errors.New("deadletter: nil record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		ID:         j.nextID + 1,
		RunID:      j.runID,
		Epoch:      r.Epoch,
		Seq:        r.Seq,
		CapturedAt: r.CapturedAt,
		DroppedAt:  j.now().UTC(),
	}
	if cause != nil {
		e.Cause = cause.Error()
	}
	if payload, err := codec.Encode(r); err == nil {
		e.Record = payload
	} else {
		e.Cause = fmt.Sprintf("%s (record not encodable: %v)", e.Cause, err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], e.ID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := j.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := j.writer.Write(b); err != nil {
		return err
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	j.nextID = e.ID
	j.entries++
	j.sizeBytes += int64(len(b) + headerLen)
	return nil
}

// Iterate calls fn for every entry with ID >= from, oldest first.
func (j *Journal) Iterate(from uint64, fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return iterateFile(j.path, from, fn)
}

// ReadDir iterates a journal without opening it for writing, for inspection
// while a runtime owns it.
func ReadDir(dir string, from uint64, fn func(Entry) error) error {
	return iterateFile(filepath.Join(dir, fileName), from, fn)
}

func iterateFile(path string, from uint64, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		b := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, b); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("corrupt dead-letter journal: %w", err)
		}
		if id < from {
			continue
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt dead-letter entry %d: %w", id, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{Entries: j.entries, LatestID: j.nextID, SizeBytes: j.sizeBytes}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

var (
	_ ports.DeadLetter = (*Journal)(nil)
	_ ports.RunBinder  = (*Journal)(nil)
)
