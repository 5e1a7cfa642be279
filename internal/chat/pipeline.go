// Package chat is the message pipeline: validate, authenticate, cache,
// broadcast, and a fire-and-forget persist stage with rollback on
// broadcast failure. The pipeline talks to the cache through the
// internal/cache.Cache interface and never special-cases its backend.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/devan1shX/metaverse/internal/cache"
	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
	"github.com/devan1shX/metaverse/pkg/logging"
)

const (
	cacheTTL           = 3600 * time.Second
	cacheMaxAttempts   = 3
	cacheBackoffUnit   = 100 * time.Millisecond
	persistMaxAttempts = 5
	persistBackoffUnit = 1 * time.Second
	deadLetterBuffer   = 256
)

// linearBackoff returns a delay func growing as unit × attempts, so the
// wait after the first attempt is one unit, two after the second, and so
// on.
func linearBackoff(unit time.Duration) failsafe.DelayFunc[any] {
	return func(exec failsafe.ExecutionAttempt[any]) time.Duration {
		return unit * time.Duration(exec.Attempts())
	}
}

// Target is the capability needed to deliver a frame to one connection.
type Target interface {
	ConnID() string
	SendFrame(f wire.Frame) error
}

// SpaceEnqueuer is the capability needed to fan a frame out to a space.
type SpaceEnqueuer interface {
	Enqueue(frame wire.Frame, excludeConnID string)
}

// SpaceLookup resolves an existing space's enqueuer, if running.
type SpaceLookup func(spaceID string) (SpaceEnqueuer, bool)

// ConnLookup resolves a user's current connection, if any.
type ConnLookup func(userID string) (Target, bool)

// Stats mirrors the pipeline's exported counters.
type Stats struct {
	TotalProcessed int64
	Successful     int64
	Failed         int64
	Retries        int64
}

// Pipeline runs the five-stage chat delivery path.
type Pipeline struct {
	store       store.Store
	cache       cache.Cache
	logger      logging.Logger
	lookupSpace SpaceLookup
	lookupConn  ConnLookup

	cacheRetry   retrypolicy.RetryPolicy[any]
	persistRetry retrypolicy.RetryPolicy[any]

	totalProcessed int64
	successful     int64
	failed         int64
	retries        int64

	deadLetter chan *models.Message
}

// New builds a Pipeline and starts its dead-letter drain goroutine.
func New(st store.Store, c cache.Cache, logger logging.Logger, lookupSpace SpaceLookup, lookupConn ConnLookup) *Pipeline {
	p := &Pipeline{
		store:       st,
		cache:       c,
		logger:      logger,
		lookupSpace: lookupSpace,
		lookupConn:  lookupConn,
		deadLetter:  make(chan *models.Message, deadLetterBuffer),
	}
	countRetry := func(failsafe.ExecutionEvent[any]) { atomic.AddInt64(&p.retries, 1) }
	p.cacheRetry = retrypolicy.NewBuilder[any]().
		WithMaxAttempts(cacheMaxAttempts).
		WithDelayFunc(linearBackoff(cacheBackoffUnit)).
		OnRetry(countRetry).
		Build()
	p.persistRetry = retrypolicy.NewBuilder[any]().
		WithMaxAttempts(persistMaxAttempts).
		WithDelayFunc(linearBackoff(persistBackoffUnit)).
		OnRetry(countRetry).
		Build()
	go p.drainDeadLetter()
	return p
}

func (p *Pipeline) drainDeadLetter() {
	for msg := range p.deadLetter {
		p.logger.WithFields(logging.Fields{
			"message_id": msg.MessageID,
			"sender_id":  msg.SenderID,
			"kind":       msg.Kind,
		}).Error("message exhausted persistence retries")
	}
}

// Input is the caller-supplied envelope before validation.
type Input struct {
	SenderID   string
	Kind       models.MessageKind
	Content    string
	SpaceID    string
	ReceiverID string
}

// HandleSpaceMessage processes a space-broadcast chat message.
func (p *Pipeline) HandleSpaceMessage(ctx context.Context, in Input) (string, error) {
	in.Kind = models.MessageKindSpace
	return p.process(ctx, in)
}

// HandlePrivateMessage processes a direct-message chat message.
func (p *Pipeline) HandlePrivateMessage(ctx context.Context, in Input) (string, error) {
	in.Kind = models.MessageKindPrivate
	return p.process(ctx, in)
}

func (p *Pipeline) process(ctx context.Context, in Input) (string, error) {
	atomic.AddInt64(&p.totalProcessed, 1)

	msg, err := p.validate(in)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		return "", err
	}

	if err := p.authenticate(ctx, msg); err != nil {
		atomic.AddInt64(&p.failed, 1)
		return "", err
	}

	p.cacheWithRetry(ctx, msg)

	if err := p.broadcast(ctx, msg); err != nil {
		p.rollback(ctx, msg)
		atomic.AddInt64(&p.failed, 1)
		return "", fmt.Errorf("broadcast failed")
	}

	msg.Status = models.MessageStatusBroadcast
	atomic.AddInt64(&p.successful, 1)
	go p.persistWithRetry(msg)

	return msg.MessageID, nil
}

// validate is stage 1: reject unless sender_id non-empty, content 1..5000,
// kind recognized, and the kind-specific target field is present.
func (p *Pipeline) validate(in Input) (*models.Message, error) {
	if in.SenderID == "" {
		return nil, fmt.Errorf("sender_id is required")
	}
	if n := utf8.RuneCountInString(in.Content); n < 1 || n > 5000 {
		return nil, fmt.Errorf("content must be 1..5000 characters")
	}
	switch in.Kind {
	case models.MessageKindSpace:
		if in.SpaceID == "" {
			return nil, fmt.Errorf("space_id required for space messages")
		}
	case models.MessageKindPrivate:
		if in.ReceiverID == "" {
			return nil, fmt.Errorf("receiver_id required for private messages")
		}
	default:
		return nil, fmt.Errorf("invalid message_type")
	}

	return &models.Message{
		MessageID:  uuid.NewString(),
		SenderID:   in.SenderID,
		Kind:       in.Kind,
		Content:    in.Content,
		Timestamp:  time.Now(),
		SpaceID:    in.SpaceID,
		ReceiverID: in.ReceiverID,
		Status:     models.MessageStatusValidated,
	}, nil
}

// authenticate is stage 2.
func (p *Pipeline) authenticate(ctx context.Context, msg *models.Message) error {
	sender, err := p.store.GetUser(ctx, msg.SenderID)
	if err != nil || sender == nil {
		return fmt.Errorf("sender not found")
	}
	if msg.Kind == models.MessageKindSpace {
		if _, err := p.store.GetSpace(ctx, msg.SpaceID); err != nil {
			return fmt.Errorf("space not found")
		}
	}
	if msg.Kind == models.MessageKindPrivate {
		if _, err := p.store.GetUser(ctx, msg.ReceiverID); err != nil {
			return fmt.Errorf("receiver not found")
		}
	}
	return nil
}

// cacheWithRetry is stage 3. Failure is non-fatal; the pipeline proceeds
// without cache protection.
func (p *Pipeline) cacheWithRetry(ctx context.Context, msg *models.Message) {
	key := "msg:" + msg.MessageID
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Warn("failed to serialize message for cache")
		return
	}

	_, err = failsafe.With(p.cacheRetry).WithContext(ctx).Get(func() (any, error) {
		return nil, p.cache.Save(ctx, key, string(payload), cacheTTL)
	})
	if err != nil {
		p.logger.WithFields(logging.Fields{"message_id": msg.MessageID}).Warn("cache failed for message, continuing anyway")
		return
	}
	msg.Status = models.MessageStatusCached
}

// broadcast is stage 4.
func (p *Pipeline) broadcast(ctx context.Context, msg *models.Message) error {
	sender, err := p.store.GetUser(ctx, msg.SenderID)
	senderName := "Unknown"
	if err == nil && sender != nil {
		senderName = sender.Name
	}

	if msg.Kind == models.MessageKindSpace {
		sp, ok := p.lookupSpace(msg.SpaceID)
		if !ok {
			return fmt.Errorf("space broadcaster not running")
		}
		frame := wire.NewFrame(wire.EventChatMessage, map[string]interface{}{
			"message_id": msg.MessageID,
			"user_id":    msg.SenderID,
			"user_name":  senderName,
			"message":    msg.Content,
			"timestamp":  msg.Timestamp,
		})
		sp.Enqueue(frame, "")
		return nil
	}

	if receiverConn, ok := p.lookupConn(msg.ReceiverID); ok {
		event := wire.NewFrame(wire.EventPrivateMessage, map[string]interface{}{
			"message_id":     msg.MessageID,
			"from_user_id":   msg.SenderID,
			"from_user_name": senderName,
			"message":        msg.Content,
			"timestamp":      msg.Timestamp,
		})
		if err := receiverConn.SendFrame(event); err != nil {
			p.logger.WithError(err).Warn("failed to deliver private message to receiver")
		}
	}

	if senderConn, ok := p.lookupConn(msg.SenderID); ok {
		confirmation := wire.NewFrame(wire.EventPrivateMessage, map[string]interface{}{
			"message_id": msg.MessageID,
			"to_user_id": msg.ReceiverID,
			"message":    msg.Content,
			"sent":       true,
			"timestamp":  msg.Timestamp,
		})
		if err := senderConn.SendFrame(confirmation); err != nil {
			p.logger.WithError(err).Warn("failed to deliver confirmation to sender")
		}
	}
	return nil
}

// rollback is stage 5, run when broadcast fails.
func (p *Pipeline) rollback(ctx context.Context, msg *models.Message) {
	_ = p.cache.Delete(ctx, "msg:"+msg.MessageID)
	msg.Status = models.MessageStatusRolledBack
}

// persistWithRetry is stage 6, fire-and-forget from process's caller.
func (p *Pipeline) persistWithRetry(msg *models.Message) {
	ctx := context.Background()
	msg.Status = models.MessageStatusPersisted

	attempts := 0
	_, err := failsafe.With(p.persistRetry).WithContext(ctx).Get(func() (any, error) {
		attempts++
		msg.RetryCount = attempts - 1
		return nil, p.store.UpsertMessage(ctx, msg)
	})
	if err == nil {
		_ = p.cache.Delete(ctx, "msg:"+msg.MessageID)
		return
	}

	msg.Status = models.MessageStatusFailed
	atomic.AddInt64(&p.failed, 1)
	select {
	case p.deadLetter <- msg:
	default:
		p.logger.WithFields(logging.Fields{"message_id": msg.MessageID}).Error("dead-letter queue full, dropping message")
	}
}

// Stats returns a point-in-time snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		TotalProcessed: atomic.LoadInt64(&p.totalProcessed),
		Successful:     atomic.LoadInt64(&p.successful),
		Failed:         atomic.LoadInt64(&p.failed),
		Retries:        atomic.LoadInt64(&p.retries),
	}
}
