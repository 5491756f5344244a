package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/push"
)

// Displayer is the notification display primitive.
type Displayer interface {
	Show(ctx context.Context, n model.Notification) error
	Close(ctx context.Context, tag string) error
}

// Multi shows on every displayer. One failing target does not stop the rest.
type Multi []Displayer

func (m Multi) Show(ctx context.Context, n model.Notification) error {
	var err error
	for _, d := range m {
		err = multierr.Append(err, d.Show(ctx, n))
	}
	return err
}

func (m Multi) Close(ctx context.Context, tag string) error {
	var err error
	for _, d := range m {
		err = multierr.Append(err, d.Close(ctx, tag))
	}
	return err
}

// Sender delivers one web push message.
type Sender interface {
	Send(sub *model.PushSubscription, n model.Notification) error
}

// Subscriptions lists and prunes push subscriptions.
type Subscriptions interface {
	List() ([]model.PushSubscription, error)
	DeleteByEndpoint(endpoint string) error
}

// PushDisplay shows notifications by sending them to every push
// subscription. Expired subscriptions are removed.
type PushDisplay struct {
	sender Sender
	subs   Subscriptions
	logger *slog.Logger
}

// NewPushDisplay creates a PushDisplay.
func NewPushDisplay(sender Sender, subs Subscriptions, logger *slog.Logger) *PushDisplay {
	return &PushDisplay{sender: sender, subs: subs, logger: logger}
}

func (p *PushDisplay) Show(_ context.Context, n model.Notification) error {
	subs, err := p.subs.List()
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}

	var errs error
	for i := range subs {
		sub := &subs[i]
		err := p.sender.Send(sub, n)
		switch {
		case err == nil:
		case errors.Is(err, push.ErrExpired):
			p.logger.Info("removing expired push subscription", "id", sub.ID)
			if err := p.subs.DeleteByEndpoint(sub.Endpoint); err != nil {
				p.logger.Error("delete expired subscription", "id", sub.ID, "error", err)
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("push to subscription %d: %w", sub.ID, err))
		}
	}
	return errs
}

// Close is a no-op; a delivered push cannot be withdrawn.
func (p *PushDisplay) Close(context.Context, string) error { return nil }
