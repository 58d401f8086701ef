package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"marginledger/internal/event"
	"marginledger/internal/ledger"
	"marginledger/internal/observability"
	"marginledger/internal/wad"
)

// Worker drains the engine's post-commit channels and flushes batched
// rows to Postgres. The event channel carries backpressure: if Postgres
// stalls, the engine's emit path eventually blocks rather than losing
// history.
type Worker struct {
	writer       *HistoryWriter
	events       <-chan event.Envelope
	journals     <-chan *ledger.Batch
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	writer *HistoryWriter,
	events <-chan event.Envelope,
	journals <-chan *ledger.Batch,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       writer,
		events:       events,
		journals:     journals,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run consumes until the context is cancelled, flushing on batch size
// or timeout, whichever comes first.
func (w *Worker) Run(ctx context.Context) error {
	var (
		pendingEvents   []EventRow
		pendingJournals []JournalRow
	)
	ticker := time.NewTicker(w.flushTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(pendingEvents) == 0 && len(pendingJournals) == 0 {
			return
		}
		start := time.Now()
		if err := w.writer.WriteEvents(ctx, pendingEvents); err != nil {
			w.log.Error().Err(err).Int("rows", len(pendingEvents)).Msg("event history write failed")
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("events").Inc()
			}
		} else if w.metrics != nil {
			w.metrics.PersistWritten.Add(float64(len(pendingEvents)))
		}
		if err := w.writer.WriteJournals(ctx, pendingJournals); err != nil {
			w.log.Error().Err(err).Int("rows", len(pendingJournals)).Msg("journal history write failed")
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("journals").Inc()
			}
		}
		if w.metrics != nil {
			w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		}
		pendingEvents = pendingEvents[:0]
		pendingJournals = pendingJournals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()

		case env, ok := <-w.events:
			if !ok {
				flush()
				return nil
			}
			row, err := envelopeRow(env)
			if err != nil {
				w.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("marshal event payload")
				continue
			}
			pendingEvents = append(pendingEvents, row)
			if len(pendingEvents) >= w.batchSize {
				flush()
			}

		case batch, ok := <-w.journals:
			if !ok {
				flush()
				return nil
			}
			pendingJournals = append(pendingJournals, journalRows(batch)...)
			if len(pendingJournals) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func envelopeRow(env event.Envelope) (EventRow, error) {
	payload, err := MarshalPayload(env.Payload)
	if err != nil {
		return EventRow{}, err
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.TypeName,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

func journalRows(batch *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			DebitAccount:  j.Debit.Path(),
			CreditAccount: j.Credit.Path(),
			Collateral:    j.Collateral,
			Amount:        wad.String(j.Amount),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}
