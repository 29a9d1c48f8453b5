package outbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/store"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultPollInterval is how often the outbox is drained.
const DefaultPollInterval = 500 * time.Millisecond

// Transport hands an outbound text to the server. It returns the permanent
// message id, or 0 when the id will arrive later as an id reassignment.
type Transport interface {
	SendText(ctx context.Context, chatID, randomID int64, text string) (messageID int64, err error)
}

// Applier applies updates to the store. Implemented by the update engine.
type Applier interface {
	Apply(ctx context.Context, u update.Update) error
}

// Handoff is the Transport used when no realtime connection is wired in.
// It accepts every message and leaves confirmation to a later
// update_message_id from whoever delivers it.
type Handoff struct {
	Logger *zap.Logger
}

// SendText implements Transport.
func (h Handoff) SendText(_ context.Context, chatID, randomID int64, _ string) (int64, error) {
	if h.Logger != nil {
		h.Logger.Info("message handed off", zap.Int64("chat_id", chatID), zap.Int64("random_id", randomID))
	}
	return 0, nil
}

// NewRandomID returns a positive 63-bit client random id drawn from a v4 UUID.
func NewRandomID() int64 {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
		if id != 0 {
			return id
		}
	}
}

// Option configures a Sender.
type Option func(*Sender)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithUserID sets the from id of outbound messages.
func WithUserID(id int64) Option {
	return func(s *Sender) { s.userID = id }
}

// Sender drains the outbox: every queued text becomes a pending message
// through the engine, goes to the transport, and ends confirmed or failed.
type Sender struct {
	db        *store.DB
	engine    Applier
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	userID    int64
	cancel    context.CancelFunc
	done      chan struct{}
	unhandle  func()
}

// NewSender creates a new outbox sender. b may be nil.
func NewSender(db *store.DB, engine Applier, transport Transport, b *bus.Bus, logger *zap.Logger, opts ...Option) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		db:        db,
		engine:    engine,
		transport: transport,
		bus:       b,
		logger:    logger,
		interval:  DefaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Queue stores a text for sending and returns its random id.
func (s *Sender) Queue(chatID int64, text string) (int64, error) {
	if chatID == 0 {
		return 0, fmt.Errorf("queue message: missing chat id")
	}
	if text == "" {
		return 0, fmt.Errorf("queue message: empty text")
	}
	randomID := NewRandomID()
	if err := s.db.QueueOutbox(randomID, chatID, text); err != nil {
		return 0, fmt.Errorf("queue message: %w", err)
	}
	s.logger.Debug("message queued", zap.Int64("chat_id", chatID), zap.Int64("random_id", randomID))
	return randomID, nil
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	if s.bus != nil {
		s.unhandle = s.bus.Handle("outbox", "change.message.updated", 64, s.onMessageUpdated)
	}
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	if s.unhandle != nil {
		s.unhandle()
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// onMessageUpdated records confirmations that reach the engine from outside
// the sender, e.g. an update_message_id for a handed-off message.
func (s *Sender) onMessageUpdated(evt bus.Event) error {
	c, ok := evt.Payload.(bus.Change)
	if !ok || len(c.IDs) != 1 || len(c.RandomIDs) != 1 {
		return nil
	}
	return s.db.MarkOutboxSent(c.RandomIDs[0], c.IDs[0])
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.Int64("random_id", entry.RandomID), zap.Int64("chat_id", entry.ChatID))
	if err := s.db.MarkOutboxSending(entry.RandomID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	// Optimistic insert: the message is visible as pending before the send.
	err := s.engine.Apply(ctx, update.NewMessage(&update.Message{
		RandomID: entry.RandomID,
		ChatID:   entry.ChatID,
		FromID:   s.userID,
		Out:      true,
		Text:     entry.Text,
		Date:     timestamppb.Now(),
	}))
	if err != nil {
		log.Error("failed to apply optimistic message", zap.Error(err))
		_ = s.db.MarkOutboxFailed(entry.RandomID, err.Error())
		return
	}

	messageID, err := s.transport.SendText(ctx, entry.ChatID, entry.RandomID, entry.Text)
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		if err := s.engine.Apply(ctx, update.Failed(entry.RandomID, err.Error())); err != nil {
			log.Error("failed to mark message failed", zap.Error(err))
		}
		_ = s.db.MarkOutboxFailed(entry.RandomID, err.Error())
		return
	}

	if messageID == 0 {
		if err := s.db.MarkOutboxHandedOff(entry.RandomID); err != nil {
			log.Error("failed to mark handed off", zap.Error(err))
		}
		return
	}

	if err := s.engine.Apply(ctx, update.ConfirmID(entry.RandomID, messageID)); err != nil {
		log.Error("failed to confirm message", zap.Error(err), zap.Int64("message_id", messageID))
		return
	}
	if err := s.db.MarkOutboxSent(entry.RandomID, messageID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	log.Info("message sent", zap.Int64("message_id", messageID))
}
