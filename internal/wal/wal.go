// Package wal is the engine's write-ahead log: an append-only, newline
// delimited JSON event stream with an asynchronous batched writer and a
// deterministic replay reader.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"matchengine/internal/logging"
)

type rotateRequest struct {
	newPath string
	done    chan error
}

// WAL is a single dedicated writer owning one file handle. Producers
// serialise outside the lock and push onto a shared queue under the lock;
// the writer swaps the queue out, releases the lock, then writes and
// flushes the batch. This bounds lock-hold time to the queue swap and
// amortises fsyncs across bursts.
type WAL struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue    [][]byte
	enqueued uint64
	durable  uint64
	running  bool

	rotateReq *rotateRequest

	path string
	file *os.File
	bw   *bufio.Writer

	logger  *logging.Logger
	skipped atomic.Uint64

	stopped chan struct{}
}

// Open creates or appends to the log file at path and starts the
// dedicated writer goroutine. A failure to open is fatal to the caller —
// the engine cannot accept writes without a durable log.
func Open(path string, logger *logging.Logger) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "wal: create directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open")
	}

	w := &WAL{
		path:    path,
		file:    f,
		bw:      bufio.NewWriter(f),
		running: true,
		stopped: make(chan struct{}),
		logger:  logger,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.writerLoop()
	return w, nil
}

// AppendOrder enqueues an order record.
func (w *WAL) AppendOrder(p OrderPayload) error {
	return w.append(RecordOrder, p)
}

// AppendStopOrder enqueues a stop-order record.
func (w *WAL) AppendStopOrder(p StopOrderPayload) error {
	return w.append(RecordStopOrder, p)
}

// AppendTrade enqueues a trade record.
func (w *WAL) AppendTrade(p TradePayload) error {
	return w.append(RecordTrade, p)
}

// AppendCancel enqueues a cancel record.
func (w *WAL) AppendCancel(orderID, reason string) error {
	return w.append(RecordCancel, CancelPayload{OrderID: orderID, Reason: reason})
}

// append serialises the envelope (the expensive step) outside the lock,
// then pushes it onto the queue under the lock and signals the writer.
// It never blocks on disk I/O.
func (w *WAL) append(recordType RecordType, payload any) error {
	b, err := encode(recordType, time.Now().UnixNano(), payload)
	if err != nil {
		return errors.Wrap(err, "wal: encode record")
	}
	w.mu.Lock()
	w.queue = append(w.queue, b)
	w.enqueued++
	w.mu.Unlock()
	w.cond.Signal()
	return nil
}

func (w *WAL) writerLoop() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && w.running && w.rotateReq == nil {
			w.cond.Wait()
		}

		if req := w.rotateReq; req != nil && len(w.queue) == 0 {
			w.rotateReq = nil
			w.mu.Unlock()
			err := w.performRotate(req.newPath)
			req.done <- err
			continue
		}

		if len(w.queue) == 0 && !w.running {
			w.mu.Unlock()
			return
		}

		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		w.writeBatch(batch)

		w.mu.Lock()
		w.durable += uint64(len(batch))
		w.mu.Unlock()
		w.cond.Broadcast()
	}
}

func (w *WAL) writeBatch(batch [][]byte) {
	for _, rec := range batch {
		if _, err := w.bw.Write(rec); err != nil {
			w.logger.Error(errors.Wrap(err, "wal: write record"))
			continue
		}
		if err := w.bw.WriteByte('\n'); err != nil {
			w.logger.Error(errors.Wrap(err, "wal: write newline"))
		}
	}
	if err := w.bw.Flush(); err != nil {
		w.logger.Error(errors.Wrap(err, "wal: flush"))
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Error(errors.Wrap(err, "wal: fsync"))
	}
}

// Flush blocks until every record enqueued up to this call has been
// durably written and fsynced. Intended for shutdown and tests that need
// disk visibility.
func (w *WAL) Flush() {
	w.mu.Lock()
	target := w.enqueued
	for w.durable < target {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Rotate atomically renames the current file with a timestamp suffix and
// begins writing to newPath. The rename and reopen are performed by the
// writer goroutine itself — the only goroutine that owns the file
// handle — so Rotate is safe to call concurrently with producers.
func (w *WAL) Rotate(newPath string) error {
	req := &rotateRequest{newPath: newPath, done: make(chan error, 1)}
	w.mu.Lock()
	w.rotateReq = req
	w.mu.Unlock()
	w.cond.Signal()
	return <-req.done
}

func (w *WAL) performRotate(newPath string) error {
	rotatedPath := fmt.Sprintf("%s.%d", w.path, time.Now().UnixNano())

	if err := w.bw.Flush(); err != nil {
		w.logger.Error(errors.Wrap(err, "wal: flush before rotate"))
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Error(errors.Wrap(err, "wal: sync before rotate"))
	}
	if err := w.file.Close(); err != nil {
		w.logger.Error(errors.Wrap(err, "wal: close before rotate"))
	}

	if err := os.Rename(w.path, rotatedPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "wal: rename current segment")
	}

	if dir := filepath.Dir(newPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "wal: create directory for new segment")
		}
	}
	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: open new segment")
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.path = newPath
	return nil
}

// Stop ends the writer, draining whatever has been enqueued, then
// performs a final flush. Idempotent is not required by callers — Stop
// is called exactly once per WAL lifetime.
func (w *WAL) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.stopped
}

// Replay returns every well-formed record in the current log file, head
// to tail. Malformed lines are counted (see SkippedLines) and skipped,
// not fatal. A missing file yields an empty, non-error result.
func (w *WAL) Replay() ([]Record, error) {
	return ReplayFile(w.path, &w.skipped)
}

// ReplayFile reads and parses every well-formed record from path without
// requiring an open WAL. skipped, if non-nil, is incremented once per
// malformed line encountered.
func ReplayFile(path string, skipped *atomic.Uint64) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "wal: open for replay")
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if skipped != nil {
				skipped.Add(1)
			}
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, errors.Wrap(err, "wal: scan")
	}
	return records, nil
}

// SkippedLines returns the count of malformed lines encountered by Replay.
func (w *WAL) SkippedLines() uint64 {
	return w.skipped.Load()
}

// Path returns the log file currently being written.
func (w *WAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}
