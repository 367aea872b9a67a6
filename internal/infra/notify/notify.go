// Package notify доставляет текстовые уведомления оператору.
package notify

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
)

// Nop ничего не отправляет.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Multi рассылает уведомление во все каналы доставки.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close закрывает каналы доставки, которые держат соединения.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Async отправляет уведомления в фоне и не ждёт результата.
type Async struct {
	next    domain.Notifier
	log     zerolog.Logger
	timeout time.Duration
}

// NewAsync оборачивает нотификатор. Ошибки доставки только логируются.
func NewAsync(next domain.Notifier, log zerolog.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, log: log.With().Str("component", "notify").Logger(), timeout: timeout}
}

func (a *Async) Notify(ctx context.Context, text string) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error().Interface("panic", r).Msg("notify: паника при отправке")
			}
		}()
		if err := a.next.Notify(sendCtx, text); err != nil {
			a.log.Warn().Err(err).Msg("notify: не удалось доставить уведомление")
		}
	}()
	return nil
}
