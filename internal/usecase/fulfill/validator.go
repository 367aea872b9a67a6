package fulfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
)

// ActionPerformer выполняет действие с каналом под ограничителем частоты.
type ActionPerformer interface {
	Perform(ctx context.Context, action domain.ActionType, fn func(ctx context.Context) (bool, error)) (bool, error)
}

// ValidatorConfig настраивает подтверждение подписки.
type ValidatorConfig struct {
	SkipSubscribeRequired bool
	ConfirmAttempts       int
	ConfirmBaseDelay      time.Duration
	// Cooldown — срок отметки таймаута после неудачного подтверждения.
	Cooldown time.Duration
}

// Validator проводит одно требование канала через цепочку
// "уже подписан → подтверждено сервером → вступление → подтверждение".
type Validator struct {
	account   string
	store     domain.StateStore
	remote    domain.RemoteService
	transport domain.Transport
	actions   ActionPerformer
	clock     clock.Clock
	cfg       ValidatorConfig
	log       zerolog.Logger
}

// NewValidator создаёт валидатор каналов аккаунта.
func NewValidator(account string, store domain.StateStore, remote domain.RemoteService, transport domain.Transport, actions ActionPerformer, clk clock.Clock, cfg ValidatorConfig, log zerolog.Logger) *Validator {
	if cfg.ConfirmAttempts <= 0 || cfg.ConfirmAttempts > 5 {
		cfg.ConfirmAttempts = 5
	}
	if cfg.ConfirmBaseDelay <= 0 {
		cfg.ConfirmBaseDelay = 5 * time.Second
	}
	return &Validator{
		account:   account,
		store:     store,
		remote:    remote,
		transport: transport,
		actions:   actions,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "validator").Str("account", account).Logger(),
	}
}

// Validate возвращает true, если требование канала выполнено. Отказы и сбои
// вступления дают false; ошибка возвращается только для ErrUnauthorized,
// отмены контекста и сбоев хранилища.
func (v *Validator) Validate(ctx context.Context, giveawayID, channel string, memberStatus domain.ValidationStatus) (bool, error) {
	log := v.log.With().Str("giveaway_id", giveawayID).Str("channel", channel).Logger()

	_, err := v.store.GetMembership(ctx, v.account, channel)
	switch {
	case err == nil:
		if err := v.store.TouchMembership(ctx, v.account, channel, v.clock.Now()); err != nil {
			return false, fmt.Errorf("touch membership %s: %w", channel, err)
		}
		log.Debug().Msg("validator: канал уже отслеживается")
		return true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("get membership %s: %w", channel, err)
	}

	if memberStatus == domain.ValidationValidated {
		if err := v.store.MarkParticipation(ctx, v.account, channel, v.clock.Now()); err != nil {
			return false, fmt.Errorf("mark participation %s: %w", channel, err)
		}
		log.Info().Msg("validator: участие в канале уже подтверждено сервером")
		return true, nil
	}

	if v.cfg.SkipSubscribeRequired {
		log.Info().Msg("validator: подписка на канал отключена настройкой")
		return false, nil
	}

	joined, err := v.actions.Perform(ctx, domain.ActionSubscribe, func(ctx context.Context) (bool, error) {
		return v.transport.JoinChannel(ctx, channel)
	})
	if err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		log.Warn().Err(err).Msg("validator: ошибка при вступлении в канал")
		return false, nil
	}
	if !joined {
		log.Warn().Msg("validator: не удалось вступить в канал")
		return false, nil
	}
	log.Info().Msg("validator: вступили в канал")

	if err := v.store.SaveMembership(ctx, v.account, channel, v.clock.Now()); err != nil {
		return false, fmt.Errorf("save membership %s: %w", channel, err)
	}

	if status, err := v.remote.StartValidation(ctx, giveawayID, channel, domain.ValidationKindChannelMember); err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		log.Warn().Err(err).Str("status", status).Msg("validator: серверная проверка не запущена")
	}

	return v.confirm(ctx, log, giveawayID, channel)
}

func (v *Validator) confirm(ctx context.Context, log zerolog.Logger, giveawayID, channel string) (bool, error) {
	attempts := v.cfg.ConfirmAttempts
	var last domain.ValidationStatus
	for attempt := 0; attempt < attempts; attempt++ {
		delay := v.cfg.ConfirmBaseDelay + time.Duration(attempt)*clock.Uniform(time.Second, 3*time.Second)
		if err := v.clock.Sleep(ctx, delay); err != nil {
			return false, err
		}
		validations, err := v.remote.GetValidations(ctx, giveawayID)
		if err != nil {
			if fatal(ctx, err) {
				return false, err
			}
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("validator: не удалось получить статус проверки")
			continue
		}
		last = validations.MemberStatus(channel)
		if last == domain.ValidationValidated {
			if err := v.store.MarkParticipation(ctx, v.account, channel, v.clock.Now()); err != nil {
				return false, fmt.Errorf("mark participation %s: %w", channel, err)
			}
			log.Info().Int("attempt", attempt+1).Msg("validator: подписка подтверждена")
			return true, nil
		}
		log.Debug().Int("attempt", attempt+1).Int("attempts", attempts).Str("status", string(last)).Msg("validator: подписка ещё не подтверждена")
	}

	log.Warn().Int("attempts", attempts).Str("status", string(last)).Msg("validator: подписка не подтверждена, попытки исчерпаны")
	if v.cfg.Cooldown > 0 {
		cooldown := domain.ChannelCooldown{
			Account:    v.account,
			Channel:    channel,
			GiveawayID: giveawayID,
			Until:      v.clock.Now().Add(v.cfg.Cooldown),
		}
		if err := v.store.SetChannelCooldown(ctx, cooldown); err != nil {
			log.Warn().Err(err).Msg("validator: не удалось сохранить таймаут канала")
		}
	}
	return false, nil
}

// fatal отделяет ошибки, которые нельзя превращать в отказ по каналу.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, domain.ErrUnauthorized) || ctx.Err() != nil
}
