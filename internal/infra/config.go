package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Gate         GateConfig         `mapstructure:"gate"`
	Session      SessionConfig      `mapstructure:"session"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Session Cache).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// OrchestratorConfig содержит специфичные настройки конвейера задач.
type OrchestratorConfig struct {
	TaskDeadline    time.Duration `mapstructure:"task_deadline"`     // Дедлайн одной задачи
	MaxAttempts     int           `mapstructure:"max_attempts"`      // Попытки на задачу, включая первую
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`  // База экспоненциального backoff
	MaxParallel     int           `mapstructure:"max_parallel"`      // Потолок одновременных исполнений
	RollbackWindow  time.Duration `mapstructure:"rollback_window"`   // Окно отката после завершения
	ConfirmationTTL time.Duration `mapstructure:"confirmation_ttl"`  // Сколько живет неподтвержденная заявка
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`    // Лимит обращений к внешним сервисам
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Настройки Circuit Breaker для внешних коннекторов (календарь, поиск)
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// Normalized заменяет нулевые поля рабочими дефолтами. Конвейер не должен
// получить нулевой дедлайн или нулевое окно отката из-за дыры в конфиге.
func (c OrchestratorConfig) Normalized() OrchestratorConfig {
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = 5 * time.Minute
	}
	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = 15 * time.Minute
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	return c
}

// ClassifierConfig выбирает способ разбора фраз.
type ClassifierConfig struct {
	Provider   string `mapstructure:"provider"` // rules | llm
	Model      string `mapstructure:"model"`
	MaxIntents int    `mapstructure:"max_intents"` // Потолок интентов из одной фразы
	// API-ключ LLM не хранится в файле, только OPENAI_API_KEY из ENV
}

// GateConfig задает базовые пороги шлюза уверенности.
// Переопределения по типам задач живут в базе и правятся через Console.
type GateConfig struct {
	AutoThreshold    float64 `mapstructure:"auto_threshold"`
	ConfirmThreshold float64 `mapstructure:"confirm_threshold"`
	ClarifyThreshold float64 `mapstructure:"clarify_threshold"`
	AmbiguityMargin  float64 `mapstructure:"ambiguity_margin"` // Зазор между топ-кандидатами
}

// SessionConfig описывает скользящее окно истории диалога.
type SessionConfig struct {
	HistoryLimit int           `mapstructure:"history_limit"` // Реплик в окне
	TTL          time.Duration `mapstructure:"ttl"`           // Жизнь неактивной сессии в Redis
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	// Если нет — читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")

	v.SetDefault("orchestrator.task_deadline", 30*time.Second)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.retry_base_delay", 200*time.Millisecond)
	v.SetDefault("orchestrator.max_parallel", 8)
	v.SetDefault("orchestrator.rollback_window", 5*time.Minute)
	v.SetDefault("orchestrator.confirmation_ttl", 15*time.Minute)
	v.SetDefault("orchestrator.rate_limit_rps", 10.0)
	v.SetDefault("orchestrator.rate_limit_burst", 20)
	v.SetDefault("orchestrator.audit_buffer_size", 1000)
	v.SetDefault("orchestrator.audit_flush_interval", 1*time.Second)
	v.SetDefault("orchestrator.cb_max_requests", 3)
	v.SetDefault("orchestrator.cb_interval", 60*time.Second)
	v.SetDefault("orchestrator.cb_timeout", 30*time.Second)

	v.SetDefault("classifier.provider", "rules")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.max_intents", 3)

	v.SetDefault("gate.auto_threshold", 0.95)
	v.SetDefault("gate.confirm_threshold", 0.85)
	v.SetDefault("gate.clarify_threshold", 0.70)
	v.SetDefault("gate.ambiguity_margin", 0.10)

	v.SetDefault("session.history_limit", 50)
	v.SetDefault("session.ttl", 24*time.Hour)
}

// loadKeyResource — универсальный хелпер архитектора
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
