package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kueuestream/kueue"
)

// finalCommitTimeout bounds the cursor commit done while stopping, which
// runs after the caller's context may already be cancelled.
const finalCommitTimeout = 10 * time.Second

// Option customizes a Driver.
type Option func(*Driver)

// WithCursorStore replaces the default LogCursorStore.
func WithCursorStore(cs CursorStore) Option {
	return func(d *Driver) { d.cursorStore = cs }
}

// WithAssigner replaces the default OwnAll assigner.
func WithAssigner(a Assigner) Option {
	return func(d *Driver) { d.assigner = a }
}

// WithStoreFactory sets how the driver opens stores for the tables it
// materializes itself. The default is MemoryStoreFactory.
func WithStoreFactory(f StoreFactory) Option {
	return func(d *Driver) { d.storeFactory = f }
}

// WithTable shares an already materialized table. The driver neither
// bootstraps nor closes it.
func WithTable(t *Table) Option {
	return func(d *Driver) { d.shared[t.Name()] = t }
}

func WithMetrics(m Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

func WithLogger(logger logrus.Entry) Option {
	return func(d *Driver) { d.logger = logger }
}

// Driver runs one pipeline: STOPPED -> STARTING -> RUNNING (<-> REBALANCING)
// -> STOPPING -> STOPPED, with FAILED reachable from anywhere.
type Driver struct {
	cfg          Config
	pipeline     *Pipeline
	storage      kueue.LogStorage
	cursorStore  CursorStore
	assigner     Assigner
	storeFactory StoreFactory
	metrics      Metrics
	logger       logrus.Entry

	shared  map[string]*Table
	tables  map[string]*Table
	owned   []*Table
	lookups map[string]Lookuper

	reader *Reader
	sink   *SinkWriter
	errs   *ErrorTracker
	sm     stateMachine

	mu          sync.Mutex
	cursors     map[kueue.TopicPartition]int64 // processed through
	committed   map[kueue.TopicPartition]int64 // persisted
	members     []string
	lastErr     error
	stopCh      chan struct{}
	stopped     bool
	rebalanceCh chan []string
}

// NewDriver validates cfg and pipeline and wires the reader and sink.
func NewDriver(cfg Config, pipeline *Pipeline, storage kueue.LogStorage, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: nil pipeline", ErrInvalidPipeline)
	}
	d := &Driver{
		cfg:          cfg,
		pipeline:     pipeline,
		storage:      storage,
		assigner:     OwnAll{},
		storeFactory: MemoryStoreFactory,
		metrics:      NopMetrics{},
		logger:       *logrus.WithField("Node", cfg.instanceID()),
		shared:       make(map[string]*Table),
		cursors:      make(map[kueue.TopicPartition]int64),
		committed:    make(map[kueue.TopicPartition]int64),
		members:      cfg.members(),
		stopCh:       make(chan struct{}),
		rebalanceCh:  make(chan []string, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cursorStore == nil {
		d.cursorStore = NewLogCursorStore(storage)
	}

	d.logger = *d.logger.WithField("group", cfg.GroupID)
	d.reader = NewReader(storage, cfg.MaxRecords, cfg.ReadParallel, d.metrics, d.logger)
	d.sink = NewSinkWriter(storage, pipeline.SinkTopic(), cfg.MaxSinkRetries, cfg.RetryBackoff, d.metrics, d.logger)
	d.errs = NewErrorTracker(cfg.MaxConsecutiveErrors, d.logger)
	d.sm.onChange = func(from, to State) {
		d.logger.WithField("Topic", DDriver).Infof("State %s -> %s", from, to)
		d.metrics.StateChanged(cfg.GroupID, to)
	}
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return d.sm.get()
}

// LastError returns the error that moved the driver to FAILED.
func (d *Driver) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Cursors returns the processed-through offset of every assigned partition.
func (d *Driver) Cursors() []Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Cursor, 0, len(d.cursors))
	for tp, off := range d.cursors {
		out = append(out, Cursor{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Table returns a table the pipeline joins against, once started.
func (d *Driver) Table(name string) (*Table, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[name]
	return t, ok
}

// Stop asks a running driver to finish its current batch and stop.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		d.stopped = true
		close(d.stopCh)
	}
}

// Rebalance asks the driver to recompute its assignment for a new member
// list. It is applied between batches; a newer request replaces a pending one.
func (d *Driver) Rebalance(members []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.rebalanceCh:
	default:
	}
	d.rebalanceCh <- append([]string(nil), members...)
}

// Run starts the pipeline and blocks until it stops or fails. Cancelling ctx
// stops it like Stop does. It returns nil after a clean stop and an error
// wrapping ErrFailed otherwise.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.sm.transition(StateStarting); err != nil {
		return err
	}
	d.mu.Lock()
	if d.stopped {
		d.stopCh = make(chan struct{})
		d.stopped = false
	}
	d.mu.Unlock()

	if err := d.start(ctx); err != nil {
		if ctx.Err() != nil {
			return d.shutdown(ctx)
		}
		return d.fail(err)
	}
	if err := d.sm.transition(StateRunning); err != nil {
		return d.fail(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, t := range d.owned {
		t := t
		g.Go(func() error {
			if err := t.Run(gctx); err != nil {
				return fmt.Errorf("table %s: %w", t.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return d.loop(gctx, ctx)
	})

	if err := g.Wait(); err != nil {
		return d.fail(err)
	}
	return d.shutdown(ctx)
}

// start loads cursors and bootstraps the tables.
func (d *Driver) start(ctx context.Context) error {
	if _, err := retrySource(ctx, d.cfg.MaxSourceRetries, d.cfg.RetryBackoff, d.logger, func() (int32, error) {
		return d.storage.Partitions(ctx, d.pipeline.SinkTopic())
	}); err != nil {
		return fmt.Errorf("sink topic %s: %w", d.pipeline.SinkTopic(), err)
	}

	d.mu.Lock()
	d.owned = nil
	d.mu.Unlock()

	tables := make(map[string]*Table)
	lookups := make(map[string]Lookuper)
	var owned []*Table
	for _, name := range d.pipeline.Tables() {
		if t, ok := d.shared[name]; ok {
			tables[name], lookups[name] = t, t
			continue
		}
		store, err := d.storeFactory(name)
		if err != nil {
			closeTables(owned)
			return fmt.Errorf("open store for %s: %w", name, err)
		}
		t, err := NewTable(name, d.storage, store, TableConfigFrom(d.cfg), d.metrics, d.logger)
		if err != nil {
			store.Close()
			closeTables(owned)
			return err
		}
		tables[name], lookups[name] = t, t
		owned = append(owned, t)
	}
	d.mu.Lock()
	d.tables, d.lookups, d.owned = tables, lookups, owned
	d.mu.Unlock()

	// From here on shutdown or fail closes the tables.
	if err := d.assign(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range owned {
		t := t
		g.Go(func() error { return t.Bootstrap(gctx) })
	}
	return g.Wait()
}

// assign recomputes the owned partitions and seeks the reader to their
// persisted cursors.
func (d *Driver) assign(ctx context.Context) error {
	var all []kueue.TopicPartition
	for _, topic := range d.cfg.SourceTopics {
		topic := topic
		n, err := retrySource(ctx, d.cfg.MaxSourceRetries, d.cfg.RetryBackoff, d.logger, func() (int32, error) {
			return d.storage.Partitions(ctx, topic)
		})
		if err != nil {
			return fmt.Errorf("source topic %s: %w", topic, err)
		}
		for p := int32(0); p < n; p++ {
			all = append(all, kueue.TopicPartition{Topic: topic, Partition: p})
		}
	}

	d.mu.Lock()
	members := d.members
	d.mu.Unlock()
	owned := d.assigner.Assign(d.cfg.instanceID(), members, all)

	cursors := make(map[kueue.TopicPartition]int64, len(owned))
	for _, tp := range owned {
		tp := tp
		off, err := retrySource(ctx, d.cfg.MaxSourceRetries, d.cfg.RetryBackoff, d.logger, func() (int64, error) {
			return d.cursorStore.Load(ctx, d.cfg.GroupID, tp)
		})
		if err != nil {
			return fmt.Errorf("load cursor %s: %w", tp, err)
		}
		cursors[tp] = off
	}
	d.reader.Assign(cursors)

	d.mu.Lock()
	d.cursors = make(map[kueue.TopicPartition]int64, len(cursors))
	d.committed = make(map[kueue.TopicPartition]int64, len(cursors))
	for tp, off := range cursors {
		d.cursors[tp] = off
		d.committed[tp] = off
	}
	d.mu.Unlock()

	d.logger.WithField("Topic", DAssign).Infof("Assigned %d of %d partitions across %d members", len(owned), len(all), len(members))
	return nil
}

// loop is the RUNNING phase. runCtx ends with the driver; callerCtx is the
// context Run was called with.
func (d *Driver) loop(runCtx, callerCtx context.Context) error {
	attempt := 0
	reseek := false
	for {
		select {
		case <-d.stopCh:
			return nil
		case <-runCtx.Done():
			return nil
		case members := <-d.rebalanceCh:
			if err := d.rebalance(runCtx, members); err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		default:
		}

		if reseek {
			if err := d.reseek(runCtx); err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				if !isRetryable(err) {
					return err
				}
				if err := d.sourceBackoff(runCtx, &attempt, err); err != nil {
					return err
				}
				continue
			}
			reseek = false
		}

		records, err := d.reader.Poll(runCtx, d.cfg.PollTimeout)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrSourceUnavailable) {
				return err
			}
			if err := d.sourceBackoff(runCtx, &attempt, err); err != nil {
				return err
			}
			reseek = true
			continue
		}
		attempt = 0

		// The batch completes even if the caller cancels meanwhile.
		if err := d.processBatch(context.WithoutCancel(callerCtx), records); err != nil {
			return err
		}
	}
}

// sourceBackoff sleeps before the next retry, or fails once the retry budget
// is spent.
func (d *Driver) sourceBackoff(ctx context.Context, attempt *int, err error) error {
	if d.cfg.MaxSourceRetries > 0 && *attempt >= d.cfg.MaxSourceRetries {
		return fmt.Errorf("%w after %d retries: %v", ErrSourceUnavailable, *attempt, err)
	}
	delay := backoff(*attempt, d.cfg.RetryBackoff)
	*attempt++
	d.logger.WithField("Topic", DDriver).Warnf("Source unavailable (attempt %d), retrying in %v: %v", *attempt, delay, err)
	sleepCtx(ctx, delay)
	return nil
}

// reseek moves the reader back to the persisted cursors.
func (d *Driver) reseek(ctx context.Context) error {
	for _, tp := range d.reader.Assignment() {
		off, err := d.cursorStore.Load(ctx, d.cfg.GroupID, tp)
		if err != nil {
			return err
		}
		d.reader.Seek(tp, off)
		d.mu.Lock()
		d.cursors[tp] = off
		d.committed[tp] = off
		d.mu.Unlock()
	}
	return nil
}

func (d *Driver) rebalance(ctx context.Context, members []string) error {
	if err := d.sm.transition(StateRebalancing); err != nil {
		return err
	}
	before := d.reader.Assignment()
	d.commit(ctx)

	d.mu.Lock()
	d.members = members
	d.mu.Unlock()
	if err := d.assign(ctx); err != nil {
		return err
	}

	after := d.reader.Assignment()
	d.logger.WithField("Topic", DAssign).Infof("Rebalanced: %d partitions before, %d after", len(before), len(after))
	return d.sm.transition(StateRunning)
}

// processBatch runs every record through the pipeline, writes the output and
// commits the cursors of what was processed.
func (d *Driver) processBatch(ctx context.Context, records []kueue.Record) error {
	for _, rec := range records {
		res, err := d.pipeline.Process(rec, d.lookups)
		if err != nil {
			var rpe *RecordProcessingError
			if errors.As(err, &rpe) && d.cfg.OnRecordError == PolicySkip {
				d.metrics.RecordProcessed(rec.Topic, "skipped")
				if d.errs.RecordError(rec.Partition, rec.Offset, err) {
					d.commit(ctx)
					return fmt.Errorf("%d consecutive record errors: %w", d.cfg.MaxConsecutiveErrors, err)
				}
				d.markProcessed(rec)
				continue
			}
			d.logger.WithField("Topic", DDriver).WithFields(logrus.Fields{
				"partition": rec.Partition,
				"offset":    rec.Offset,
			}).Errorf("Record failed: %v", err)
			d.commit(ctx)
			return err
		}
		d.errs.RecordSuccess()

		if res.Outcome == Emitted {
			if _, _, err := d.sink.Write(ctx, res.Key, res.Value); err != nil {
				d.commit(ctx)
				return err
			}
		}
		d.metrics.RecordProcessed(rec.Topic, res.Outcome.String())
		d.markProcessed(rec)
	}
	d.commit(ctx)
	return nil
}

func (d *Driver) markProcessed(rec kueue.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors[rec.TopicPartition()] = rec.Offset
}

// commit persists every cursor that moved since the last commit. A commit
// that keeps failing is logged and left for the next batch; the worst
// outcome is reprocessing after a restart.
func (d *Driver) commit(ctx context.Context) {
	d.mu.Lock()
	var pending []Cursor
	for tp, off := range d.cursors {
		if off > d.committed[tp] {
			pending = append(pending, Cursor{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
		}
	}
	d.mu.Unlock()

	for _, c := range pending {
		var err error
		for attempt := 0; attempt <= d.cfg.MaxCommitRetries; attempt++ {
			if attempt > 0 && !sleepCtx(ctx, backoff(attempt-1, d.cfg.RetryBackoff)) {
				break
			}
			if err = d.cursorStore.Commit(ctx, d.cfg.GroupID, c); err == nil {
				break
			}
		}
		if err != nil {
			cerr := &CommitError{Cursor: c, Err: err}
			d.logger.WithField("Topic", DCursor).Errorf("%v", cerr)
			continue
		}
		d.mu.Lock()
		if c.Offset > d.committed[c.TopicPartition()] {
			d.committed[c.TopicPartition()] = c.Offset
		}
		d.mu.Unlock()
		d.metrics.CursorCommitted(c.Topic, c.Partition, c.Offset)
	}
}

// shutdown is the STOPPING phase.
func (d *Driver) shutdown(ctx context.Context) error {
	if err := d.sm.transition(StateStopping); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCommitTimeout)
	defer cancel()
	d.commit(cctx)
	closeTables(d.owned)

	for _, c := range d.Cursors() {
		d.logger.WithField("Topic", DCursor).Infof("Final cursor %s-%d at %d", c.Topic, c.Partition, c.Offset)
	}
	return d.sm.transition(StateStopped)
}

// fail moves to FAILED and reports the last cursor positions.
func (d *Driver) fail(err error) error {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	if terr := d.sm.transition(StateFailed); terr != nil {
		d.logger.WithField("Topic", DDriver).Errorf("%v", terr)
	}
	closeTables(d.owned)

	cursors := d.Cursors()
	fields := logrus.Fields{}
	for _, c := range cursors {
		fields[fmt.Sprintf("%s-%d", c.Topic, c.Partition)] = c.Offset
	}
	d.logger.WithField("Topic", DDriver).WithFields(fields).Errorf("Pipeline failed: %v", err)
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

func closeTables(tables []*Table) {
	for _, t := range tables {
		t.Close()
	}
}
