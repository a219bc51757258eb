package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Kind names a chat side effect.
type Kind string

const (
	KindOpenChannel   Kind = "open_channel"
	KindSystemMessage Kind = "system_message"
)

// Task is one queued chat side effect for a trade.
type Task struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"kind"`
	TradeID   string   `json:"tradeId"`
	ChannelID string   `json:"channelId,omitempty"`
	Name      string   `json:"name,omitempty"`
	Members   []string `json:"members,omitempty"`
	Text      string   `json:"text"`
}

// ErrNoChannel means the trade has no chat channel yet. The task is worth retrying
// because channel setup after a match may still be in flight.
var ErrNoChannel = errors.New("chat: trade has no channel")

// Messenger is the messaging collaborator.
type Messenger interface {
	CreateChannel(ctx context.Context, name string, members []string) (string, error)
	SendSystemMessage(ctx context.Context, channelID, text string) error
}

// TradeStore reads and annotates trades on behalf of chat tasks.
type TradeStore interface {
	Trade(ctx context.Context, tradeID string) (*model.Trade, error)
	AttachChatChannel(ctx context.Context, tradeID, channelID string) error
}

// Processor executes chat tasks. Process is safe to repeat for the same task.
type Processor struct {
	logger    *zap.Logger
	messenger Messenger
	trades    TradeStore
}

func NewProcessor(logger *zap.Logger, messenger Messenger, trades TradeStore) *Processor {
	return &Processor{logger: logger, messenger: messenger, trades: trades}
}

// Process runs one task. A returned error means the task may succeed on retry.
func (p *Processor) Process(ctx context.Context, task Task) error {
	var err error
	switch task.Kind {
	case KindOpenChannel:
		err = p.openChannel(ctx, task)
	case KindSystemMessage:
		err = p.systemMessage(ctx, task)
	default:
		p.logger.Warn("chat.task.unknown_kind", zap.String("kind", string(task.Kind)), zap.String("task_id", task.ID))
		metrics.IncChatTask(string(task.Kind), "dropped")
		return nil
	}
	if err != nil {
		metrics.IncChatTask(string(task.Kind), "retry")
		return err
	}
	metrics.IncChatTask(string(task.Kind), "ok")
	return nil
}

func (p *Processor) openChannel(ctx context.Context, task Task) error {
	trade, err := p.trades.Trade(ctx, task.TradeID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", task.TradeID, err)
	}
	if trade.ChatChannelID != "" {
		// Redelivery after the channel was stored; the opening message already went out.
		return nil
	}

	channelID, err := p.messenger.CreateChannel(ctx, task.Name, task.Members)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	if err := p.trades.AttachChatChannel(ctx, task.TradeID, channelID); err != nil {
		return fmt.Errorf("attach channel: %w", err)
	}
	p.logger.Info("chat.channel_opened", zap.String("trade_id", task.TradeID), zap.String("channel_id", channelID))

	if task.Text != "" {
		if err := p.messenger.SendSystemMessage(ctx, channelID, task.Text); err != nil {
			// The channel exists and is stored; losing the greeting is acceptable.
			p.logger.Warn("chat.opening_message_failed", zap.String("trade_id", task.TradeID), zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) systemMessage(ctx context.Context, task Task) error {
	channelID := task.ChannelID
	if channelID == "" {
		trade, err := p.trades.Trade(ctx, task.TradeID)
		if err != nil {
			return fmt.Errorf("load trade %s: %w", task.TradeID, err)
		}
		channelID = trade.ChatChannelID
	}
	if channelID == "" {
		return ErrNoChannel
	}
	if err := p.messenger.SendSystemMessage(ctx, channelID, task.Text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Dispatcher hands tasks to whatever runs them.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// InlineDispatcher runs tasks immediately on the caller's goroutine. It serves
// deployments without a broker; failures are logged and dropped.
type InlineDispatcher struct {
	logger    *zap.Logger
	processor *Processor
}

func NewInlineDispatcher(logger *zap.Logger, processor *Processor) *InlineDispatcher {
	return &InlineDispatcher{logger: logger, processor: processor}
}

func (d *InlineDispatcher) Enqueue(ctx context.Context, task Task) error {
	if err := d.processor.Process(ctx, task); err != nil {
		d.logger.Warn("chat.task_dropped",
			zap.String("kind", string(task.Kind)),
			zap.String("trade_id", task.TradeID),
			zap.Error(err))
		metrics.IncChatTask(string(task.Kind), "dropped")
	}
	return nil
}
