// Package send delivers rendered messages to a chat channel.
package send

import (
	"context"
	"errors"
	"fmt"
	"io"

	"doodlenotify/internal/config"
	appLog "doodlenotify/internal/log"
)

// ErrDelivery wraps every failure to hand a message to the channel.
// Deliveries are not retried.
var ErrDelivery = errors.New("delivery failed")

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Log is a Sender that only writes messages out. It is used for dry runs.
type Log struct {
	Out io.Writer
}

func (l *Log) Send(_ context.Context, text string) error {
	appLog.Info("dry run: message not delivered", "chars", len(text))
	if l.Out != nil {
		if _, err := fmt.Fprintln(l.Out, text); err != nil {
			return fmt.Errorf("%w: %w", ErrDelivery, err)
		}
	}
	return nil
}

func (l *Log) Name() string { return "log" }

// Multi sends to every sender in order. All senders are attempted; the
// returned error joins the individual failures.
type Multi []Sender

func (m Multi) Send(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }

// FromConfig builds the configured senders. In dry-run mode the result is a
// Log writing to out.
func FromConfig(cfg *config.Config, out io.Writer) (Sender, error) {
	if cfg.DryRun {
		return &Log{Out: out}, nil
	}

	var senders Multi
	if cfg.DiscordEnabled() {
		senders = append(senders, NewDiscord(cfg.Discord.Webhook, cfg.Discord.Username, cfg.Discord.Avatar))
	}
	if cfg.TelegramEnabled() {
		tg, err := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}

	switch len(senders) {
	case 0:
		return nil, fmt.Errorf("%w: no delivery channel configured", config.ErrInvalidConfig)
	case 1:
		return senders[0], nil
	default:
		return senders, nil
	}
}
