package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig содержит учетные данные и параметры внешнего платежного шлюза
type GatewayConfig struct {
	BaseURL             string
	APIKey              string
	HMACSecret          string // Секрет для проверки подписи callback-запросов
	MerchantID          string
	CardIntegrationID   int
	WalletIntegrationID int
	Currency            string
	Timeout             time.Duration // Таймаут одного HTTP-вызова
	TokenTTL            time.Duration // Время жизни токена, если шлюз его не сообщает
	AuthRetries         int           // Количество повторов шага аутентификации
	AuthBackoff         time.Duration // Начальная пауза между повторами
}

// ReminderConfig содержит параметры фонового обхода платежей
type ReminderConfig struct {
	Interval         time.Duration
	FirstNoticeDays  int
	SecondNoticeDays int
	FinalNoticeDays  int
	Location         *time.Location
}

// Config представляет конфигурацию приложения
type Config struct {
	Server struct {
		Port        int
		WebhookPort int
	}
	DB struct {
		Driver         string // postgres или sqlite
		Host           string
		Port           int
		User           string
		Password       string
		DBName         string
		DSN            string // Путь к файлу для sqlite
		MigrationsPath string
	}
	JWT struct {
		SecretKey string
	}
	SMTP struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
	Redis struct {
		Addr string
	}
	Gateway  GatewayConfig
	Reminder ReminderConfig
	Contract struct {
		ValidityDays        int
		ExpiryCheckInterval time.Duration
	}
	Log struct {
		Level string
	}
}

// setDefaults задает значения по умолчанию
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.webhook_port", 8081)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "medcrm")
	v.SetDefault("db.dsn", "./data/medcrm.db")
	v.SetDefault("db.migrations_path", "file://migrations")

	v.SetDefault("jwt.secret_key", "your-secret-key-here")

	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "billing@medcrm.local")

	v.SetDefault("redis.addr", "")

	v.SetDefault("gateway.base_url", "https://accept.paymob.com/api")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.hmac_secret", "")
	v.SetDefault("gateway.merchant_id", "")
	v.SetDefault("gateway.card_integration_id", 0)
	v.SetDefault("gateway.wallet_integration_id", 0)
	v.SetDefault("gateway.currency", "EGP")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("gateway.token_ttl", 50*time.Minute)
	v.SetDefault("gateway.auth_retries", 3)
	v.SetDefault("gateway.auth_backoff", 500*time.Millisecond)

	v.SetDefault("reminder.interval", time.Hour)
	v.SetDefault("reminder.first_notice_days", 7)
	v.SetDefault("reminder.second_notice_days", 2)
	v.SetDefault("reminder.final_notice_days", 1)
	v.SetDefault("reminder.location", "UTC")

	v.SetDefault("contract.validity_days", 30)
	v.SetDefault("contract.expiry_check_interval", 6*time.Hour)

	v.SetDefault("log.level", "info")
}

// NewConfig создает новый экземпляр конфигурации.
// Значения читаются из переменных окружения (GATEWAY_API_KEY, REMINDER_INTERVAL, ...)
// и, если задан CONFIG_FILE, из файла конфигурации.
func NewConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	// Настройки сервера
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.WebhookPort = v.GetInt("server.webhook_port")

	// Настройки базы данных
	cfg.DB.Driver = strings.ToLower(v.GetString("db.driver"))
	if cfg.DB.Driver != "postgres" && cfg.DB.Driver != "sqlite" {
		return nil, fmt.Errorf("неизвестный драйвер базы данных: %q", cfg.DB.Driver)
	}
	cfg.DB.Host = v.GetString("db.host")
	cfg.DB.Port = v.GetInt("db.port")
	cfg.DB.User = v.GetString("db.user")
	cfg.DB.Password = v.GetString("db.password")
	cfg.DB.DBName = v.GetString("db.name")
	cfg.DB.DSN = v.GetString("db.dsn")
	cfg.DB.MigrationsPath = v.GetString("db.migrations_path")

	// Настройки JWT
	cfg.JWT.SecretKey = v.GetString("jwt.secret_key")

	// Настройки SMTP
	cfg.SMTP.Host = v.GetString("smtp.host")
	cfg.SMTP.Port = v.GetInt("smtp.port")
	cfg.SMTP.Username = v.GetString("smtp.username")
	cfg.SMTP.Password = v.GetString("smtp.password")
	cfg.SMTP.From = v.GetString("smtp.from")

	cfg.Redis.Addr = v.GetString("redis.addr")

	// Настройки платежного шлюза
	cfg.Gateway = GatewayConfig{
		BaseURL:             strings.TrimRight(v.GetString("gateway.base_url"), "/"),
		APIKey:              v.GetString("gateway.api_key"),
		HMACSecret:          v.GetString("gateway.hmac_secret"),
		MerchantID:          v.GetString("gateway.merchant_id"),
		CardIntegrationID:   v.GetInt("gateway.card_integration_id"),
		WalletIntegrationID: v.GetInt("gateway.wallet_integration_id"),
		Currency:            v.GetString("gateway.currency"),
		Timeout:             v.GetDuration("gateway.timeout"),
		TokenTTL:            v.GetDuration("gateway.token_ttl"),
		AuthRetries:         v.GetInt("gateway.auth_retries"),
		AuthBackoff:         v.GetDuration("gateway.auth_backoff"),
	}
	if cfg.Gateway.Timeout <= 0 {
		return nil, fmt.Errorf("неверный таймаут платежного шлюза: %v", cfg.Gateway.Timeout)
	}

	// Настройки напоминаний
	loc, err := time.LoadLocation(v.GetString("reminder.location"))
	if err != nil {
		return nil, fmt.Errorf("неверный часовой пояс напоминаний: %w", err)
	}
	cfg.Reminder = ReminderConfig{
		Interval:         v.GetDuration("reminder.interval"),
		FirstNoticeDays:  v.GetInt("reminder.first_notice_days"),
		SecondNoticeDays: v.GetInt("reminder.second_notice_days"),
		FinalNoticeDays:  v.GetInt("reminder.final_notice_days"),
		Location:         loc,
	}
	if err := cfg.Reminder.Validate(); err != nil {
		return nil, err
	}

	// Настройки договоров
	cfg.Contract.ValidityDays = v.GetInt("contract.validity_days")
	cfg.Contract.ExpiryCheckInterval = v.GetDuration("contract.expiry_check_interval")
	if cfg.Contract.ValidityDays <= 0 {
		return nil, fmt.Errorf("неверный срок действия договора: %d", cfg.Contract.ValidityDays)
	}

	cfg.Log.Level = v.GetString("log.level")

	return cfg, nil
}

// Validate проверяет пороги напоминаний: они должны строго убывать и быть положительными
func (r ReminderConfig) Validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("неверный интервал обхода напоминаний: %v", r.Interval)
	}
	if r.FinalNoticeDays <= 0 || r.SecondNoticeDays <= r.FinalNoticeDays || r.FirstNoticeDays <= r.SecondNoticeDays {
		return fmt.Errorf("пороги напоминаний должны строго убывать: %d, %d, %d",
			r.FirstNoticeDays, r.SecondNoticeDays, r.FinalNoticeDays)
	}
	return nil
}

// DefaultReminderConfig возвращает пороги 7/2/1 день с часовым интервалом
func DefaultReminderConfig() ReminderConfig {
	return ReminderConfig{
		Interval:         time.Hour,
		FirstNoticeDays:  7,
		SecondNoticeDays: 2,
		FinalNoticeDays:  1,
		Location:         time.UTC,
	}
}
