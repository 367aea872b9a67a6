package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tg-giveaway-farmer/internal/domain"
)

// MaxConfirmAttempts — верхняя граница проверок вступления в канал.
const MaxConfirmAttempts = 5

// AppConfig описывает конфигурацию фермы розыгрышей. Все значения
// разрешаются один раз при старте, дальше код не проверяет наличие полей.
type AppConfig struct {
	AppEnv       string `envconfig:"APP_ENV" default:"dev"`
	DebugLogging bool   `envconfig:"DEBUG_LOGGING" default:"false"`
	MetricsAddr  string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	} `envconfig:""`

	MTProto struct {
		AccountPool         string   `envconfig:"MTPROTO_ACCOUNT_POOL" default:"default"`
		BlacklistedSessions []string `envconfig:"BLACKLISTED_SESSIONS"`
	} `envconfig:""`

	API struct {
		BaseURL      string        `envconfig:"API_BASE_URL" default:"https://api.tgmrkt.io/api/v1"`
		Origin       string        `envconfig:"API_ORIGIN" default:"https://cdn.tgmrkt.io"`
		UserAgent    string        `envconfig:"API_USER_AGENT" default:"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"`
		BotUsername  string        `envconfig:"API_BOT_USERNAME" default:"mrkt"`
		BotShortName string        `envconfig:"API_BOT_SHORT_NAME" default:"app"`
		RefID        string        `envconfig:"REF_ID" default:"252453226"`
		Timeout      time.Duration `envconfig:"API_TIMEOUT" default:"60s"`
		Retries      int           `envconfig:"API_RETRIES" default:"1"`
		DelayMin     time.Duration `envconfig:"API_DELAY_MIN" default:"1s"`
		DelayMax     time.Duration `envconfig:"API_DELAY_MAX" default:"3s"`
	} `envconfig:""`

	Session struct {
		StartDelay        time.Duration `envconfig:"SESSION_START_DELAY" default:"360s"`
		CycleDelay        time.Duration `envconfig:"CHANNEL_SUBSCRIBE_DELAY" default:"10s"`
		CycleJitter       time.Duration `envconfig:"CYCLE_JITTER" default:"300s"`
		ErrorCooldown     time.Duration `envconfig:"ERROR_COOLDOWN" default:"60s"`
		RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
	} `envconfig:""`

	Giveaway struct {
		ListType              string        `envconfig:"GIVEAWAY_LIST_TYPE" default:"Free"`
		PageSize              int           `envconfig:"GIVEAWAY_LIST_COUNT" default:"50"`
		Cursor                string        `envconfig:"GIVEAWAY_LIST_CURSOR"`
		MaxPerRun             int           `envconfig:"GIVEAWAY_MAX_PER_RUN" default:"100"`
		ParticipateFreeOnly   bool          `envconfig:"PARTICIPATE_IN_FREE_GIVEAWAYS" default:"true"`
		MinParticipants       int           `envconfig:"GIVEAWAY_MIN_PARTICIPANTS" default:"0"`
		MaxParticipants       int           `envconfig:"GIVEAWAY_MAX_PARTICIPANTS" default:"100000"`
		RequirePremium        bool          `envconfig:"GIVEAWAY_REQUIRE_PREMIUM" default:"false"`
		RequireActiveTrader   bool          `envconfig:"GIVEAWAY_REQUIRE_ACTIVE_TRADER" default:"false"`
		RequireChannelBoost   bool          `envconfig:"GIVEAWAY_REQUIRE_CHANNEL_BOOST" default:"false"`
		SkipBoostRequired     bool          `envconfig:"GIVEAWAY_SKIP_CHANNEL_BOOST_REQUIRED" default:"true"`
		SkipSubscribeRequired bool          `envconfig:"GIVEAWAY_SKIP_CHANNEL_SUBSCRIBE_REQUIRED" default:"false"`
		CollectionBlacklist   []string      `envconfig:"GIVEAWAY_COLLECTION_BLACKLIST"`
		LedgerScope           string        `envconfig:"GIVEAWAY_LEDGER_SCOPE" default:"global"`
		ProcessedRetention    time.Duration `envconfig:"GIVEAWAY_PROCESSED_RETENTION" default:"720h"`
	} `envconfig:""`

	Channels struct {
		MaxSubscribePerMinute   int           `envconfig:"MAX_SUBSCRIBE_PER_MINUTE" default:"40"`
		MaxUnsubscribePerMinute int           `envconfig:"MAX_UNSUBSCRIBE_PER_MINUTE" default:"40"`
		ConfirmAttempts         int           `envconfig:"CHANNEL_CONFIRM_ATTEMPTS" default:"5"`
		ConfirmBaseDelay        time.Duration `envconfig:"CHANNEL_CONFIRM_BASE_DELAY" default:"5s"`
		InactivityThreshold     time.Duration `envconfig:"CHANNEL_INACTIVITY_THRESHOLD" default:"72h"`
		ReapInterval            time.Duration `envconfig:"CHANNEL_REAP_INTERVAL" default:"1h"`
		FloodRetries            int           `envconfig:"CHANNEL_FLOOD_RETRIES" default:"5"`
		RateJitter              time.Duration `envconfig:"RATE_JITTER" default:"10s"`
		LeaveStaleJoins         bool          `envconfig:"LEAVE_STALE_JOINS" default:"true"`
		WindowStore             string        `envconfig:"RATE_WINDOW_STORE" default:"memory"`
		Cooldown                time.Duration `envconfig:"CHANNEL_COOLDOWN" default:"24h"`
	} `envconfig:""`

	Notify struct {
		Enabled     bool   `envconfig:"ENABLE_NOTIFICATION_BOT" default:"false"`
		BotToken    string `envconfig:"NOTIFICATION_BOT_TOKEN"`
		ChatID      int64  `envconfig:"NOTIFICATION_CHAT_ID"`
		RabbitURL   string `envconfig:"RABBITMQ_URL"`
		RabbitQueue string `envconfig:"NOTIFICATION_QUEUE" default:"giveaway_notifications"`
	} `envconfig:""`
}

// Load загружает .env (если есть) и конфиг из окружения.
func Load() AppConfig {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: .env не найден, используем окружение: %v", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

// Validate проверяет согласованность значений.
func (c AppConfig) Validate() error {
	if c.Giveaway.MinParticipants > c.Giveaway.MaxParticipants {
		return fmt.Errorf("GIVEAWAY_MIN_PARTICIPANTS (%d) больше GIVEAWAY_MAX_PARTICIPANTS (%d)", c.Giveaway.MinParticipants, c.Giveaway.MaxParticipants)
	}
	switch domain.LedgerScope(c.Giveaway.LedgerScope) {
	case domain.LedgerGlobal, domain.LedgerPerAccount:
	default:
		return fmt.Errorf("GIVEAWAY_LEDGER_SCOPE: неизвестное значение %q", c.Giveaway.LedgerScope)
	}
	switch c.Channels.WindowStore {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("RATE_WINDOW_STORE=redis требует REDIS_ADDR")
		}
	default:
		return fmt.Errorf("RATE_WINDOW_STORE: неизвестное значение %q", c.Channels.WindowStore)
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("API_RETRIES не может быть отрицательным")
	}
	if c.Channels.ConfirmAttempts <= 0 || c.Channels.ConfirmAttempts > MaxConfirmAttempts {
		return fmt.Errorf("CHANNEL_CONFIRM_ATTEMPTS должен быть от 1 до %d", MaxConfirmAttempts)
	}
	return nil
}

// Ledger возвращает область журнала обработанных розыгрышей.
func (c AppConfig) Ledger() domain.LedgerScope {
	return domain.LedgerScope(c.Giveaway.LedgerScope)
}

// IsBlacklisted сообщает, что сессию запускать нельзя.
func (c AppConfig) IsBlacklisted(session string) bool {
	for _, name := range c.MTProto.BlacklistedSessions {
		if strings.TrimSpace(name) == session {
			return true
		}
	}
	return false
}

// Debug включает подробные логи.
func (c AppConfig) Debug() bool {
	return c.AppEnv == "dev" || c.DebugLogging
}
