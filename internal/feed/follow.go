package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/apsync/internal/record"
)

// Follow calls fn for every packet already in path and then for every
// packet appended to it, until ctx is cancelled.
//
// If after is non-empty, packets up to and including the last one carrying
// that commit marker are skipped, so a restarted client resumes behind its
// durable watermark. When the marker is not in the file every packet is
// delivered.
//
// Malformed lines are logged and skipped. An error from fn stops Follow and
// is returned.
func Follow(ctx context.Context, path, after string, fn func(record.Delta) error, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "feed", "path", path)
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	// Watch the directory so that replaced files are noticed too.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	t, err := openTail(path, log)
	if err != nil {
		return err
	}
	defer func() { t.close() }()

	initial, err := t.drain()
	if err != nil {
		return err
	}
	for _, d := range ResumeAfter(initial, after, log) {
		if err := fn(d); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				log.Info("feed file replaced, reading from the start")
				t.close()
				if t, err = openTail(path, log); err != nil {
					return err
				}
			case ev.Has(fsnotify.Write):
			default:
				continue
			}
			packets, err := t.drain()
			if err != nil {
				return err
			}
			for _, d := range packets {
				if err := fn(d); err != nil {
					return err
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

// ResumeAfter drops the packets up to the last one carrying marker. When
// no packet carries it every packet is kept.
func ResumeAfter(packets []record.Delta, marker string, log *slog.Logger) []record.Delta {
	if marker == "" {
		return packets
	}
	if log == nil {
		log = slog.Default()
	}
	for i := len(packets) - 1; i >= 0; i-- {
		if packets[i].CommitMarker == marker {
			log.Info("resuming after watermark", "sn", marker, "skipped", i+1)
			return packets[i+1:]
		}
	}
	log.Warn("watermark not found in feed, replaying everything", "sn", marker)
	return packets
}

// tail reads complete lines from a growing file. A trailing partial line
// is kept until its newline arrives.
type tail struct {
	f       *os.File
	r       *bufio.Reader
	partial []byte
	line    int
	log     *slog.Logger
}

func openTail(path string, log *slog.Logger) (*tail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	return &tail{f: f, r: bufio.NewReader(f), log: log}, nil
}

func (t *tail) close() {
	_ = t.f.Close()
}

func (t *tail) drain() ([]record.Delta, error) {
	var out []record.Delta
	for {
		chunk, err := t.r.ReadBytes('\n')
		t.partial = append(t.partial, chunk...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read feed: %w", err)
		}

		t.line++
		line := bytes.TrimSpace(t.partial)
		t.partial = t.partial[:0]
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		d, perr := ParsePacket(line)
		if perr != nil {
			t.log.Warn("skipping malformed packet", "line", t.line, "error", perr)
			continue
		}
		out = append(out, d)
	}
}
