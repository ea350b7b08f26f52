package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutionStore persists audit records. *DB implements it.
type ExecutionStore interface {
	LogExecution(ctx context.Context, exec *Execution) error
	LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error
}

// AuditWriter queues execution records and writes them in the background so
// request handlers never wait on the database.
type AuditWriter struct {
	store ExecutionStore
	ch    chan *Execution
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once

	backoff time.Duration
}

func NewAuditWriter(store ExecutionStore, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:   store,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues exec, dropping it when the buffer is full.
func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer after draining queued records, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			w.writeEvents(exec)
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}

// writeEvents stores the detections attached to exec. Events are best effort
// and are not retried.
func (w *AuditWriter) writeEvents(exec *Execution) {
	for i := range exec.Events {
		ev := exec.Events[i]
		ev.ExecutionID = exec.ID

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogSecurityEvent(ctx, &ev)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("exec_id", exec.ID).Str("type", ev.Type).Msg("security event write failed")
		}
	}
}
