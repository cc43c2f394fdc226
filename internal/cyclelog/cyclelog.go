package cyclelog

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/debug"
)

// Entry is one journaled cycle.
type Entry struct {
	SessionID string              `cbor:"1,keyasint"`
	Record    acquire.CycleRecord `cbor:"2,keyasint"`
}

// FileLogger appends entries to a journal file. It is safe for
// concurrent use; sessions running side by side share one file.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// Open appends to the journal at path, creating it if needed.
func Open(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, encoder: newEncoder(f)}, nil
}

// Log writes e. Write errors are reported through debug and otherwise
// ignored; a full disk must not stop the rig.
func (l *FileLogger) Log(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := l.encoder.Encode(e); err != nil {
		debug.Warn("cyclelog: %v", err)
	}
}

// For returns an observer journaling the cycles of one session.
func (l *FileLogger) For(sessionID string) acquire.CycleObserver {
	return sessionObserver{l: l, id: sessionID}
}

// Close is safe to call more than once; later Log calls are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

type sessionObserver struct {
	l  *FileLogger
	id string
}

func (o sessionObserver) OnCycle(rec acquire.CycleRecord) {
	o.l.Log(Entry{SessionID: o.id, Record: rec})
}

// Reader streams entries back from a journal.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	session string
}

// NewReader reads every entry of the journal at path. A non-empty session
// keeps only that session's entries.
func NewReader(path, session string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: newDecoder(f), session: session}, nil
}

// Next returns io.EOF after the last entry.
func (r *Reader) Next() (Entry, error) {
	for {
		var e Entry
		if err := r.decoder.Decode(&e); err != nil {
			return Entry{}, err
		}
		if r.session == "" || e.SessionID == r.session {
			return e, nil
		}
	}
}

func (r *Reader) Close() error { return r.file.Close() }

// ReadAll loads a whole journal.
func ReadAll(path string) ([]Entry, error) {
	r, err := NewReader(path, "")
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
