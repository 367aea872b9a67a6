package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GiveawaysDiscovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giveaways_discovered_total",
		Help: "Розыгрыши, принятые сборщиком",
	}, []string{"account"})

	GiveawaysFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giveaways_filtered_total",
		Help: "Розыгрыши, отклонённые фильтром, по причине",
	}, []string{"reason"})

	GiveawayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giveaway_outcomes_total",
		Help: "Итоги обработки розыгрышей",
	}, []string{"account", "result"})

	ChannelActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_actions_total",
		Help: "Вступления и выходы из каналов",
	}, []string{"action", "status"})

	GovernorWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rate_governor_wait_seconds",
		Help:    "Время ожидания слота ограничителя",
		Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
	}, []string{"action"})

	ChannelsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channels_reaped_total",
		Help: "Каналы, покинутые из-за неактивности",
	}, []string{"account"})

	SessionsUnauthorized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_unauthorized_total",
		Help: "Сессии, остановленные из-за неудачной переавторизации",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Запущенные циклы аккаунтов",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		GiveawaysDiscovered,
		GiveawaysFiltered,
		GiveawayOutcomes,
		ChannelActions,
		GovernorWaitSeconds,
		ChannelsReaped,
		SessionsUnauthorized,
		ActiveSessions,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveChannelAction учитывает вступление или выход из канала.
func ObserveChannelAction(action string, ok bool, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case !ok:
		status = "rejected"
	}
	ChannelActions.WithLabelValues(action, status).Inc()
}
