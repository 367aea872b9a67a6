// Package fulfill выполняет условия розыгрыша и покупает билет.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// ChannelValidator проверяет одно требование канала.
type ChannelValidator interface {
	Validate(ctx context.Context, giveawayID, channel string, memberStatus domain.ValidationStatus) (bool, error)
}

// Config — требования к аккаунту и каналам.
type Config struct {
	RequirePremium      bool
	RequireActiveTrader bool
	RequireChannelBoost bool
	SkipBoostRequired   bool
}

// Fulfiller доводит один розыгрыш до конца.
type Fulfiller struct {
	account   string
	store     domain.StateStore
	remote    domain.RemoteService
	validator ChannelValidator
	clock     clock.Clock
	cfg       Config
	log       zerolog.Logger
}

// NewFulfiller создаёт обработчик розыгрышей аккаунта.
func NewFulfiller(account string, store domain.StateStore, remote domain.RemoteService, validator ChannelValidator, clk clock.Clock, cfg Config, log zerolog.Logger) *Fulfiller {
	return &Fulfiller{
		account:   account,
		store:     store,
		remote:    remote,
		validator: validator,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "fulfiller").Str("account", account).Logger(),
	}
}

// Fulfill обрабатывает розыгрыш. Любой итог (успех или отказ) финализируется:
// розыгрыш уходит из очереди и попадает в журнал обработанных. Если возвращается
// ошибка, розыгрыш остаётся в очереди до следующего цикла.
func (f *Fulfiller) Fulfill(ctx context.Context, g domain.Giveaway) (domain.Outcome, error) {
	log := f.log.With().Str("giveaway_id", g.ID).Str("title", g.DisplayName()).Logger()

	validations, err := f.remote.GetValidations(ctx, g.ID)
	if err != nil {
		if deterministic(err) {
			return f.finalize(ctx, log, g, "rejected", domain.Outcome{Message: fmt.Sprintf("условия недоступны: %v", err)})
		}
		return domain.Outcome{}, f.unexpected(log, "get validations", err)
	}

	if f.cfg.RequirePremium && !validations.IsPremium {
		return f.finalize(ctx, log, g, "rejected", domain.Outcome{Message: "требуется премиум"})
	}
	if f.cfg.RequireActiveTrader && !validations.IsActiveTrader {
		return f.finalize(ctx, log, g, "rejected", domain.Outcome{Message: "требуется активный трейдер"})
	}

	for _, req := range channelRequirements(validations, g) {
		if f.cfg.RequireChannelBoost && req.IsBoost != domain.ValidationValidated && !f.cfg.SkipBoostRequired {
			return f.finalize(ctx, log, g, "rejected", domain.Outcome{Message: fmt.Sprintf("нет буста канала %s", req.Channel)})
		}
		ok, err := f.validator.Validate(ctx, g.ID, req.Channel, req.IsMember)
		if err != nil {
			return domain.Outcome{}, f.unexpected(log, "validate channel "+req.Channel, err)
		}
		if !ok {
			return f.finalize(ctx, log, g, "channel_failed", domain.Outcome{Message: fmt.Sprintf("условие канала %s не выполнено", req.Channel)})
		}
	}

	if _, err := f.remote.BuyTicket(ctx, g.ID); err != nil {
		if deterministic(err) {
			return f.finalize(ctx, log, g, "purchase_failed", domain.Outcome{Message: fmt.Sprintf("билет не куплен: %v", err)})
		}
		return domain.Outcome{}, f.unexpected(log, "buy ticket", err)
	}

	if g.ValidationStatus != domain.ValidationValidated {
		refreshed, err := f.remote.GetValidations(ctx, g.ID)
		switch {
		case err == nil:
			g.ValidationStatus = refreshed.Overall()
		case errors.Is(err, domain.ErrUnauthorized) || ctx.Err() != nil:
			return domain.Outcome{}, err
		default:
			log.Warn().Err(err).Msg("fulfiller: не удалось обновить статус розыгрыша")
		}
	}
	if g.ValidationStatus != domain.ValidationValidated {
		log.Warn().Str("status", string(g.ValidationStatus)).Msg("fulfiller: билет куплен, но розыгрыш ещё не подтверждён")
		return f.finalize(ctx, log, g, "purchased_unvalidated", domain.Outcome{Message: "билет куплен, статус " + string(g.ValidationStatus)})
	}
	return f.finalize(ctx, log, g, "success", domain.Outcome{Success: true, Message: "участие подтверждено"})
}

// finalize убирает розыгрыш из очереди и вносит в журнал. Порядок важен:
// сбой между шагами оставляет розыгрыш нигде, но не в двух местах сразу.
func (f *Fulfiller) finalize(ctx context.Context, log zerolog.Logger, g domain.Giveaway, result string, outcome domain.Outcome) (domain.Outcome, error) {
	if err := f.store.DeletePending(ctx, f.account, g.ID); err != nil {
		return domain.Outcome{}, fmt.Errorf("delete pending %s: %w", g.ID, err)
	}
	if err := f.store.MarkProcessed(ctx, f.account, g.ID, f.clock.Now()); err != nil {
		return domain.Outcome{}, fmt.Errorf("mark processed %s: %w", g.ID, err)
	}
	metrics.GiveawayOutcomes.WithLabelValues(f.account, result).Inc()
	event := log.Info().Str("result", result)
	if !outcome.Success {
		event = event.Str("reason", outcome.Message)
	}
	event.Msg("fulfiller: розыгрыш обработан")
	return outcome, nil
}

func (f *Fulfiller) unexpected(log zerolog.Logger, op string, err error) error {
	metrics.GiveawayOutcomes.WithLabelValues(f.account, "error").Inc()
	if !errors.Is(err, domain.ErrUnauthorized) {
		log.Warn().Err(err).Str("op", op).Msg("fulfiller: сбой, розыгрыш остаётся в очереди")
	}
	return fmt.Errorf("%s: %w", op, err)
}

// deterministic — отказ API, который не исправится повтором.
func deterministic(err error) bool {
	var re *domain.RequestError
	if !errors.As(err, &re) {
		return false
	}
	return re.Status >= 400 && re.Status < 500 && re.Status != http.StatusTooManyRequests && re.Status != http.StatusRequestTimeout
}

// channelRequirements объединяет каналы из ответа сервера и из описания
// розыгрыша, без повторов и в порядке первого появления.
func channelRequirements(v domain.Validations, g domain.Giveaway) []domain.ChannelValidation {
	seen := make(map[string]struct{})
	var out []domain.ChannelValidation
	add := func(cv domain.ChannelValidation) {
		key := domain.NormalizeChannel(cv.Channel)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		if cv.IsMember == "" {
			cv.IsMember = domain.ValidationUnknown
		}
		if cv.IsBoost == "" {
			cv.IsBoost = domain.ValidationUnknown
		}
		out = append(out, cv)
	}
	for _, cv := range v.ChannelValidations {
		add(cv)
	}
	for _, ch := range g.RequiredChannels {
		add(domain.ChannelValidation{Channel: ch})
	}
	return out
}
