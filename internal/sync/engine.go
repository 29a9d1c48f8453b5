package sync

import (
	"context"
	"errors"
	"slices"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/presence"
	"github.com/matheus3301/inline/internal/status"
	"github.com/matheus3301/inline/internal/store"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 64
	savepointName    = "update_event"
)

// Identity supplies the id of the user the engine runs for.
type Identity interface {
	CurrentUserID() (int64, bool)
}

// StaticUser is an Identity with a fixed user id. Zero means unknown.
type StaticUser int64

// CurrentUserID implements Identity.
func (u StaticUser) CurrentUserID() (int64, bool) { return int64(u), u != 0 }

// Option configures an Engine.
type Option func(*Engine)

// WithQueueSize sets how many batches may wait for the writer.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithStatus makes the engine report its lifecycle on m instead of a
// private machine.
func WithStatus(m *status.Machine) Option {
	return func(e *Engine) {
		if m != nil {
			e.status = m
		}
	}
}

// Stats counts what the engine has done since it was created.
type Stats struct {
	Batches  int64
	Applied  int64
	Skipped  int64
	Failures int64
}

// Engine applies batches of updates to the store. It is the single writer:
// batches from any number of callers are queued and run one at a time, in
// arrival order, each inside one transaction.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	presence *presence.Tracker
	me       Identity
	logger   *zap.Logger
	status   *status.Machine

	queueSize int
	reqs      chan *request
	quit      chan struct{}
	done      chan struct{}

	mu          gosync.Mutex
	started     bool
	stopped     bool
	cancelWatch func() bool

	batches  atomic.Int64
	applied  atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
}

type request struct {
	updates []update.Update
	result  chan error
}

// NewEngine creates an engine. tracker and me may be nil; without an
// identity the acting user of reaction removals is 0.
func NewEngine(db *store.DB, b *bus.Bus, tracker *presence.Tracker, me Identity, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if me == nil {
		me = StaticUser(0)
	}
	e := &Engine{
		db:        db,
		bus:       b,
		presence:  tracker,
		me:        me,
		logger:    logger,
		queueSize: defaultQueueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.status == nil {
		e.status = status.NewMachine(b)
	}
	e.reqs = make(chan *request, e.queueSize)
	return e
}

// Status returns the lifecycle state machine of the engine.
func (e *Engine) Status() *status.Machine { return e.status }

// Start launches the writer goroutine. It runs until Stop is called or ctx
// is done. Batches submitted before Start wait for it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	if err := e.status.Transition(status.Running); err != nil {
		e.logger.Warn("engine status", zap.Error(err))
	}
	go e.loop()
	// Cancelling ctx is a Stop: queued callers are released and the status
	// settles on STOPPED.
	e.cancelWatch = context.AfterFunc(ctx, e.Stop)
	e.logger.Info("update engine started", zap.Int("queue_size", e.queueSize))
}

// Stop stops the writer after the batch in flight, if any, has finished.
// Queued batches that were not started fail with ErrEngineStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	cancelWatch := e.cancelWatch
	e.mu.Unlock()
	if cancelWatch != nil {
		cancelWatch()
	}

	_ = e.status.Transition(status.Stopping)
	close(e.quit)
	if started {
		<-e.done
	} else {
		close(e.done)
	}
	_ = e.status.Transition(status.Stopped)
	e.logger.Info("update engine stopped", zap.Int64("batches", e.batches.Load()))
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		// Prefer shutdown over the next queued batch.
		select {
		case <-e.quit:
			return
		default:
		}
		select {
		case req := <-e.reqs:
			req.result <- e.run(req.updates)
		case <-e.quit:
			return
		}
	}
}

// ApplyBatch applies updates in order inside one transaction and returns
// once the batch has committed or been rolled back. ctx only bounds the wait
// for a queue slot; once the writer picks the batch up it runs to
// completion. Per-update failures are logged and skipped; the only errors
// returned are a STORAGE_FAILURE *Error and ErrEngineStopped.
func (e *Engine) ApplyBatch(ctx context.Context, updates []update.Update) error {
	req := &request{updates: updates, result: make(chan error, 1)}
	select {
	case <-e.quit:
		return ErrEngineStopped
	default:
	}
	select {
	case e.reqs <- req:
	case <-e.quit:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-e.done:
		select {
		case err := <-req.result:
			return err
		default:
			return ErrEngineStopped
		}
	}
}

// Apply applies a single update as its own batch.
func (e *Engine) Apply(ctx context.Context, u update.Update) error {
	return e.ApplyBatch(ctx, []update.Update{u})
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Batches:  e.batches.Load(),
		Applied:  e.applied.Load(),
		Skipped:  e.skipped.Load(),
		Failures: e.failures.Load(),
	}
}

// batch is the state of one batch run: its transaction, the changes to
// publish after commit and the compose actions to hand to the tracker.
type batch struct {
	id      string
	tx      *store.Tx
	log     *zap.Logger
	changes []bus.Change
	compose []update.ComposeAction
}

func (b *batch) change(c bus.Change) {
	if n := len(b.changes); n > 0 && sameChange(b.changes[n-1], c) {
		return
	}
	b.changes = append(b.changes, c)
}

func sameChange(a, b bus.Change) bool {
	return a.Entity == b.Entity && a.Op == b.Op && a.ChatID == b.ChatID &&
		slices.Equal(a.IDs, b.IDs) && slices.Equal(a.RandomIDs, b.RandomIDs)
}

func (e *Engine) run(updates []update.Update) error {
	if len(updates) == 0 {
		return nil
	}
	start := time.Now()
	b := &batch{id: uuid.NewString()}
	b.log = e.logger.With(zap.String("batch_id", b.id))

	tx, err := e.db.BeginTx()
	if err != nil {
		return e.abort(b, storageFailure("", b.id, err))
	}
	b.tx = tx
	defer func() { _ = tx.Rollback() }()

	var applied, skipped int64
	for i, u := range updates {
		err := e.applyOne(b, u)
		if err == nil {
			applied++
			continue
		}
		var ee *Error
		if errors.As(err, &ee) && ee.eventLocal() {
			skipped++
			b.log.Warn("update skipped",
				zap.Int("index", i),
				zap.String("kind", string(u.Kind)),
				zap.String("code", string(ee.Code)),
				zap.Error(ee.Err))
			continue
		}
		return e.abort(b, storageFailure(u.Kind, b.id, err))
	}

	if err := e.checkpoint(b, len(updates), start); err != nil {
		return e.abort(b, storageFailure("", b.id, err))
	}
	if err := tx.Commit(); err != nil {
		return e.abort(b, storageFailure("", b.id, err))
	}

	e.batches.Add(1)
	e.applied.Add(applied)
	e.skipped.Add(skipped)
	e.status.Settle(status.Running)

	e.publish(b.changes)
	e.feedPresence(b.compose)
	b.log.Debug("batch applied",
		zap.Int("updates", len(updates)),
		zap.Int64("applied", applied),
		zap.Int64("skipped", skipped),
		zap.Int("changes", len(b.changes)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// applyOne runs a single update inside a savepoint so an event-local
// failure undoes only that update's writes.
func (e *Engine) applyOne(b *batch, u update.Update) error {
	if err := b.tx.Savepoint(savepointName); err != nil {
		return err
	}
	mark, composeMark := len(b.changes), len(b.compose)
	if err := e.dispatch(b, u); err != nil {
		if rbErr := b.tx.RollbackTo(savepointName); rbErr != nil {
			return rbErr
		}
		b.changes = b.changes[:mark]
		b.compose = b.compose[:composeMark]
		return err
	}
	return b.tx.Release(savepointName)
}

func (e *Engine) dispatch(b *batch, u update.Update) error {
	switch u.Kind {
	case update.KindNewMessage:
		return e.applyNewMessage(b, u.NewMessage)
	case update.KindMessageID:
		return e.applyMessageID(b, u.MessageID)
	case update.KindEditMessage:
		return e.applyEdit(b, u.EditMessage)
	case update.KindDeleteMessages:
		return e.applyDelete(b, u.DeleteMessages)
	case update.KindSendFailed:
		return e.applySendFailed(b, u.SendFailed)
	case update.KindUserStatus:
		return e.applyUserStatus(b, u.UserStatus)
	case update.KindComposeAction:
		return e.applyCompose(b, u.ComposeAction)
	case update.KindReaction:
		return e.applyReaction(b, u.Reaction)
	case update.KindDeleteReaction:
		return e.applyDeleteReaction(b, u.DeleteReaction)
	case update.KindMessageAttachment:
		return e.applyAttachment(b, u.MessageAttachment)
	default:
		b.log.Debug("ignoring unknown update kind", zap.String("kind", string(u.Kind)))
		return nil
	}
}

func (e *Engine) checkpoint(b *batch, size int, at time.Time) error {
	for _, kv := range [][2]string{
		{store.CheckpointLastBatchID, b.id},
		{store.CheckpointLastBatchAt, strconv.FormatInt(at.UnixMilli(), 10)},
		{store.CheckpointLastBatchSize, strconv.Itoa(size)},
	} {
		if err := b.tx.SetCheckpoint(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) abort(b *batch, err *Error) error {
	e.failures.Add(1)
	e.status.Settle(status.Degraded)
	b.log.Error("batch rolled back",
		zap.String("code", string(err.Code)),
		zap.String("kind", string(err.Kind)),
		zap.Error(err.Err))
	return err
}

func (e *Engine) publish(changes []bus.Change) {
	if e.bus == nil {
		return
	}
	now := time.Now()
	for _, c := range changes {
		e.bus.Publish(bus.Event{Kind: c.Kind(), Timestamp: now, Payload: c})
	}
}

// feedPresence applies committed compose actions in batch order. The
// tracker publishes presence.changed for each effective change.
func (e *Engine) feedPresence(actions []update.ComposeAction) {
	if e.presence == nil {
		return
	}
	for _, c := range actions {
		e.presence.Apply(c.ChatID, c.UserID, c.Action)
	}
}
