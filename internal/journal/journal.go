// Package journal appends one ndjson record per evaluated tick so every
// decision the bot takes can be replayed after the fact.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is a single tick decision.
type Record struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	BarTime       time.Time `json:"bar_time"`
	Symbol        string    `json:"symbol"`
	Close         string    `json:"close"`
	FastMA        string    `json:"fast_ma,omitempty"`
	SlowMA        string    `json:"slow_ma,omitempty"`
	Signal        string    `json:"signal"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	PositionQty   string    `json:"position_qty"`
}

// Writer is an append-only ndjson journal shared by the session loop.
type Writer struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewWriter(path, runID string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *Writer) RunID() string {
	return w.runID
}

// Append writes a record and flushes. Journal failures never interrupt
// trading; they are reported on stderr only.
func (w *Writer) Append(rec Record) {
	rec.RunID = w.runID
	w.mu.Lock()
	defer w.mu.Unlock()
	payload, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal journal record: %v\n", err)
		return
	}
	if _, err := w.writer.Write(append(payload, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write journal record: %v\n", err)
		return
	}
	if err := w.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush journal: %v\n", err)
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
