package credit

import (
	"context"
	"log/slog"
	"time"

	"cinder/internal/metrics"
)

// UsageEvent is one credit deduction handed to the ledger.
type UsageEvent struct {
	TeamID     string
	SubID      *string
	Credits    int
	IsExtract  bool
	OccurredAt time.Time
}

// Ledger persists aggregated usage events. The implementation (and its
// storage) is external to the core.
type Ledger interface {
	RecordUsage(ctx context.Context, events []UsageEvent) error
}

// LogLedger is the default Ledger: it logs batches and succeeds. Used
// in development and in deployments without a billing backend.
type LogLedger struct {
	Logger *slog.Logger
}

func (l *LogLedger) RecordUsage(_ context.Context, events []UsageEvent) error {
	if l.Logger != nil {
		total := 0
		for _, e := range events {
			total += e.Credits
		}
		l.Logger.Info("billing batch", "events", len(events), "credits", total)
	}
	return nil
}

// Biller is the process-wide asynchronous billing aggregator. The
// request path enqueues fire-and-forget; a single goroutine batches per
// (team, sub, extract) key and flushes on a timer or when the batch
// grows past batchSize. Flush failures are logged and counted, never
// surfaced to callers.
type Biller struct {
	ch            chan UsageEvent
	ledger        Ledger
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// NewBiller constructs a Biller. Call Start to launch the aggregation
// loop and Close to flush and stop it.
func NewBiller(ledger Ledger, logger *slog.Logger, queueDepth, batchSize int, flushInterval time.Duration) *Biller {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ledger == nil {
		ledger = &LogLedger{Logger: logger}
	}
	return &Biller{
		ch:            make(chan UsageEvent, queueDepth),
		ledger:        ledger,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Bill enqueues a usage event. It never blocks: when the queue is full
// the event is dropped and counted.
func (b *Biller) Bill(teamID string, subID *string, credits int, isExtract bool) {
	ev := UsageEvent{
		TeamID:     teamID,
		SubID:      subID,
		Credits:    credits,
		IsExtract:  isExtract,
		OccurredAt: time.Now().UTC(),
	}
	select {
	case b.ch <- ev:
		metrics.RecordBillingEnqueued()
	default:
		metrics.RecordBillingDropped()
		b.logger.Error("billing queue full; usage event dropped",
			"team_id", teamID, "credits", credits)
	}
}

// Start launches the aggregation loop. It returns immediately; the loop
// runs until ctx is cancelled or Close is called.
func (b *Biller) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Close stops the loop after a final flush. Safe to call once.
func (b *Biller) Close() {
	close(b.done)
}

type batchKey struct {
	teamID    string
	subID     string
	isExtract bool
}

func (b *Biller) loop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	pending := make(map[batchKey]*UsageEvent)
	size := 0

	flush := func() {
		if size == 0 {
			return
		}
		events := make([]UsageEvent, 0, len(pending))
		for _, ev := range pending {
			events = append(events, *ev)
		}
		pending = make(map[batchKey]*UsageEvent)
		size = 0

		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := b.ledger.RecordUsage(flushCtx, events); err != nil {
			metrics.RecordBillingFlush(false)
			b.logger.Error("billing flush failed", "events", len(events), "error", err)
			return
		}
		metrics.RecordBillingFlush(true)
	}

	add := func(ev UsageEvent) {
		key := batchKey{teamID: ev.TeamID, isExtract: ev.IsExtract}
		if ev.SubID != nil {
			key.subID = *ev.SubID
		}
		if agg, ok := pending[key]; ok {
			agg.Credits += ev.Credits
			agg.OccurredAt = ev.OccurredAt
		} else {
			copied := ev
			pending[key] = &copied
		}
		size++
		if size >= b.batchSize {
			flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-b.done:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case ev := <-b.ch:
					add(ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-b.ch:
			add(ev)
		}
	}
}
