// Package coordination drives trading cycles: a durable priority message
// bus, a per-cycle shared state machine, agent health tracking, and the
// supervisor pipeline that owns phase transitions.
package coordination

import (
	"sync"
	"time"

	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SupervisorAgent is the only identity allowed to transition cycle phases.
const SupervisorAgent = "supervisor"

// HaltExpiry bounds how long a broadcast halt message stays deliverable.
const HaltExpiry = 60 * time.Second

// Bus is the durable, priority-ordered inter-agent mailbox.
type Bus struct {
	logger *zap.Logger
	store  *store.Store

	mu     sync.RWMutex
	agents map[string]struct{}
}

// NewBus creates the message bus. Agents are registered before the first
// broadcast.
func NewBus(logger *zap.Logger, st *store.Store) *Bus {
	return &Bus{
		logger: logger.Named("bus"),
		store:  st,
		agents: make(map[string]struct{}),
	}
}

// RegisterAgent makes an agent a broadcast recipient.
func (b *Bus) RegisterAgent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[name] = struct{}{}
}

// Agents returns the registered agent names.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.agents))
	for name := range b.agents {
		names = append(names, name)
	}
	return names
}

// Send enqueues one message. A zero expiresIn means the message never
// expires.
func (b *Bus) Send(from, to string, msgType types.MessageType, subject, payload string, priority types.MessagePriority, expiresIn time.Duration) (*types.Message, error) {
	now := time.Now().UTC()
	msg := &types.Message{
		ID:       uuid.NewString(),
		From:     from,
		To:       to,
		Type:     msgType,
		Priority: priority,
		Subject:  subject,
		Payload:  payload,
		SentAt:   now,
	}
	if expiresIn != 0 {
		exp := now.Add(expiresIn)
		msg.ExpiresAt = &exp
	}
	if err := b.store.CreateMessage(msg); err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "send message", err)
	}
	return msg, nil
}

// Receive returns up to limit unprocessed, unexpired messages for an agent,
// most urgent first, oldest first within a priority.
func (b *Bus) Receive(agent string, msgType types.MessageType, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.store.ReceiveMessages(agent, msgType, limit, time.Now().UTC())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "receive messages", err)
	}
	return msgs, nil
}

// MarkProcessed flags a message as consumed, optionally linking the response
// that answered it.
func (b *Bus) MarkProcessed(msgID, responseID string) error {
	msg, err := b.store.GetMessage(msgID)
	if err != nil {
		if store.IsNotFound(err) {
			return apperr.Ef(apperr.KindNotFound, "message %s not found", msgID)
		}
		return apperr.Wrap(apperr.KindDependency, "load message", err)
	}
	msg.Processed = true
	msg.ResponseMessageID = responseID
	if err := b.store.SaveMessage(msg); err != nil {
		return apperr.Wrap(apperr.KindDependency, "save message", err)
	}
	return nil
}

// SendResponse answers an earlier message: the response is enqueued and the
// original is marked processed with the link, atomically.
func (b *Bus) SendResponse(original *types.Message, payload string) (*types.Message, error) {
	now := time.Now().UTC()
	resp := &types.Message{
		ID:       uuid.NewString(),
		From:     original.To,
		To:       original.From,
		Type:     types.MsgResponse,
		Priority: original.Priority,
		Subject:  "re: " + original.Subject,
		Payload:  payload,
		SentAt:   now,
	}
	err := b.store.Transaction(func(tx *store.Store) error {
		if err := tx.CreateMessage(resp); err != nil {
			return err
		}
		orig, err := tx.GetMessage(original.ID)
		if err != nil {
			return err
		}
		orig.Processed = true
		orig.ResponseMessageID = resp.ID
		return tx.SaveMessage(orig)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, "send response", err)
	}
	return resp, nil
}

// BroadcastHalt sends one CRITICAL halt message to every registered agent
// except the sender, with a 60-second expiry.
func (b *Bus) BroadcastHalt(from, reason string) (int, error) {
	sent := 0
	for _, agent := range b.Agents() {
		if agent == from {
			continue
		}
		if _, err := b.Send(from, agent, types.MsgHalt, "halt", reason, types.PriorityCritical, HaltExpiry); err != nil {
			return sent, err
		}
		sent++
	}
	b.logger.Warn("Halt broadcast",
		zap.String("from", from),
		zap.String("reason", reason),
		zap.Int("recipients", sent))
	return sent, nil
}

// History returns recent bus traffic, newest first.
func (b *Bus) History(limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.store.ListMessages(limit)
}
