// Package journal appends client events as zstd-compressed JSONL, one file per
// day.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	KindDelivered  = "delivered"
	KindFailed     = "failed"
	KindDiscarded  = "discarded"
	KindSent       = "sent"
	KindReported   = "reported"
	KindUnknownLoc = "unknown_location"
	KindGoal       = "goal"
	KindMessage    = "message"
	KindDisconnect = "disconnect"
	KindDeathLink  = "deathlink"
)

type Entry struct {
	Time       string `json:"ts"`
	Kind       string `json:"kind"`
	Save       string `json:"save,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	ItemID     int64  `json:"item_id,omitempty"`
	Item       string `json:"item,omitempty"`
	Player     string `json:"player,omitempty"`
	LocationID int64  `json:"location_id,omitempty"`
	Text       string `json:"text,omitempty"`
	Err        string `json:"error,omitempty"`
}

type Writer struct {
	baseDir string
	prefix  string

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
	now    func() time.Time
}

func New(baseDir, prefix string) *Writer {
	if prefix == "" {
		prefix = "journal"
	}
	return &Writer{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Record appends e, stamping the time when it is empty.
func (w *Writer) Record(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := w.now().UTC()
	if e.Time == "" {
		e.Time = t.Format(time.RFC3339Nano)
	}
	day := t.Format("2006-01-02")
	if day != w.curDay {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *Writer) rotateLocked(day string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForDay(day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curDay = day
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curDay = ""
	return err1
}

func (w *Writer) pathForDay(day string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, day))
}

// ReadAll decodes every journal file under dir in name order. Files may
// hold several concatenated zstd frames.
func ReadAll(dir, prefix string) ([]Entry, error) {
	if prefix == "" {
		prefix = "journal"
	}
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		err = func() error {
			defer f.Close()
			if err := dec.Reset(f); err != nil {
				return err
			}
			return decodeLines(dec, &out)
		}()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	return out, nil
}

func decodeLines(r io.Reader, out *[]Entry) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		*out = append(*out, e)
	}
	// A file still being written ends mid-frame.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}
