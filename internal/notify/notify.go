// Package notify forwards pipeline alerts to an operator's chat transport
// (spec.md §7: "a structured event plus a notification to the task's notify
// channel").
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/config"
)

// botSender is the slice of *tgbotapi.BotAPI this package actually uses,
// narrowed so tests can substitute a fake instead of dialing Telegram.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards pipeline.alert bus events to a fixed allow-list
// of chat IDs, generalizing the teacher's TelegramChannel (which also
// routed inbound chat messages into tasks) down to one-way digest delivery:
// this pipeline's operator interaction surface is internal/dashboard, not chat.
type TelegramNotifier struct {
	token      string
	allowedIDs map[int64]struct{}
	bus        *bus.Bus
	logger     *slog.Logger

	bot botSender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelegram creates a notifier for the given Telegram config.
func NewTelegram(cfg config.TelegramConfig, b *bus.Bus, logger *slog.Logger) *TelegramNotifier {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{token: cfg.Token, allowedIDs: allowed, bus: b, logger: logger}
}

// Start dials Telegram (retrying with backoff, per the teacher's
// reconnection loop) and begins forwarding alerts until ctx is canceled.
func (n *TelegramNotifier) Start(ctx context.Context) error {
	bot, err := n.connectWithBackoff(ctx)
	if err != nil {
		return err
	}
	n.bot = bot

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.loop(ctx)
	return nil
}

// Stop cancels the forwarding loop and waits for it to exit.
func (n *TelegramNotifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *TelegramNotifier) connectWithBackoff(ctx context.Context) (*tgbotapi.BotAPI, error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		bot, err := tgbotapi.NewBotAPI(n.token)
		if err == nil {
			n.logger.Info("notify: telegram connected", "user", bot.Self.UserName)
			return bot, nil
		}
		n.logger.Warn("notify: telegram connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (n *TelegramNotifier) loop(ctx context.Context) {
	defer n.wg.Done()
	sub := n.bus.Subscribe(bus.TopicPipelineAlert)
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			alert, ok := ev.Payload.(bus.PipelineAlert)
			if !ok {
				continue
			}
			n.broadcast(alert)
		}
	}
}

// broadcast routes one alert to the chat its task's notify channel names
// (spec.md §29, §222). Alerts with no resolvable channel — no owning task,
// or a channel outside the allow-list — fall back to the full allow-list
// digest, the teacher's original one-way broadcast behavior.
func (n *TelegramNotifier) broadcast(alert bus.PipelineAlert) {
	text := formatAlert(alert)
	if chatID, ok := n.resolveChannel(alert.Channel); ok {
		n.send(chatID, text)
		return
	}
	for chatID := range n.allowedIDs {
		n.send(chatID, text)
	}
}

// resolveChannel parses a task's opaque notify channel as a Telegram chat ID,
// adapting the teacher's pendingTasks taskID->chatID map (internal/channels/
// telegram.go) to a channel that is stored on the task itself rather than
// learned from an inbound message.
func (n *TelegramNotifier) resolveChannel(channel string) (int64, bool) {
	if channel == "" {
		return 0, false
	}
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return 0, false
	}
	if _, allowed := n.allowedIDs[chatID]; !allowed {
		return 0, false
	}
	return chatID, true
}

func (n *TelegramNotifier) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("notify: send failed", "chat_id", chatID, "error", err)
	}
}

func formatAlert(alert bus.PipelineAlert) string {
	emoji := "ℹ️"
	switch alert.Severity {
	case "warning":
		emoji = "⚠️"
	case "error":
		emoji = "\U0001f6a8"
	}
	return fmt.Sprintf("%s task #%d: %s", emoji, alert.TaskID, alert.Message)
}
