package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ErrInvalid возвращается при ошибках конфигурации
var ErrInvalid = errors.New("некорректная конфигурация")

// MaxEarlyFire - верхняя граница раннего смещения
const MaxEarlyFire = 500 * time.Millisecond

const clockLayout = "15:04:05"

// Переменные окружения, переопределяющие секреты из файла
const (
	EnvAccessToken = "GAPFIRE_ACCESS_TOKEN"
	EnvAPIKey      = "GAPFIRE_API_KEY"
	EnvAPISecret   = "GAPFIRE_API_SECRET"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Selection SelectionConfig `yaml:"selection"`
	Orders    OrdersConfig    `yaml:"orders"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	UI        UIConfig        `yaml:"ui"`
}

// BrokerConfig содержит настройки подключения к брокеру
type BrokerConfig struct {
	Kind             string `yaml:"kind"` // rest | binance
	BaseURL          string `yaml:"base_url"`
	FeedURL          string `yaml:"feed_url"`
	AppID            string `yaml:"app_id"`
	AccessToken      string `yaml:"access_token"`
	APIKey           string `yaml:"api_key"`
	APISecret        string `yaml:"api_secret"`
	Testnet          bool   `yaml:"testnet"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// SelectionConfig настройки отбора по гэпу
type SelectionConfig struct {
	Symbols          []string `yaml:"symbols"`
	GapUpMin         float64  `yaml:"gap_up_min"`
	GapUpMax         float64  `yaml:"gap_up_max"`
	MinPrice         float64  `yaml:"min_price"`
	MaxCandidates    int      `yaml:"max_candidates"`
	StreamStart      string   `yaml:"stream_start"` // HH:MM:SS, пусто - сразу
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	FetchConcurrency int      `yaml:"fetch_concurrency"`
	FetchDelayMs     int      `yaml:"fetch_delay_ms"`
}

// OrdersConfig шаблон заявок для отобранных символов
type OrdersConfig struct {
	Exchange     string   `yaml:"exchange"`
	Quantity     int64    `yaml:"quantity"`
	Side         string   `yaml:"side"`
	Type         string   `yaml:"type"`
	Product      string   `yaml:"product"`
	Validity     string   `yaml:"validity"`
	LimitPrice   float64  `yaml:"limit_price"`
	StopPrice    float64  `yaml:"stop_price"`
	DisclosedQty int64    `yaml:"disclosed_qty"`
	Static       []string `yaml:"static_symbols"` // для режима fire без отбора
}

// ScheduleConfig настройки времени отправки
type ScheduleConfig struct {
	FireTime            string `yaml:"fire_time"` // HH:MM:SS
	EarlyFireMs         int    `yaml:"early_fire_ms"`
	KeepaliveIntervalMs int    `yaml:"keepalive_interval_ms"`
	BurstLeadMs         int    `yaml:"burst_lead_ms"`
	BurstIntervalMs     int    `yaml:"burst_interval_ms"`
	GuardWindowMs       int    `yaml:"guard_window_ms"`
	LatencyProbes       int    `yaml:"latency_probes"`
}

// HandoffConfig настройки передачи отбора в процесс отправки
type HandoffConfig struct {
	Address       string `yaml:"address"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
	CollectLeadMs int    `yaml:"collect_lead_ms"`
}

// StorageConfig настройки хранения журнала
type StorageConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	Console  bool   `yaml:"console"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Truncate bool   `yaml:"truncate"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:             "rest",
			RequestTimeoutMs: 5000,
		},
		Selection: SelectionConfig{
			GapUpMin:         1.8,
			GapUpMax:         8.4,
			MinPrice:         100,
			MaxCandidates:    2,
			TimeoutSeconds:   300,
			FetchConcurrency: 4,
			FetchDelayMs:     100,
		},
		Orders: OrdersConfig{
			Exchange: "NSE",
			Quantity: 1,
			Side:     "BUY",
			Type:     "MARKET",
			Product:  "INTRADAY",
			Validity: "DAY",
		},
		Schedule: ScheduleConfig{
			KeepaliveIntervalMs: 5000,
			BurstLeadMs:         3000,
			BurstIntervalMs:     800,
			GuardWindowMs:       300,
			LatencyProbes:       5,
		},
		Handoff: HandoffConfig{
			Address:       "127.0.0.1:9009",
			DialTimeoutMs: 1000,
			CollectLeadMs: 2000,
		},
		Log: LogConfig{
			Level:    "info",
			Console:  true,
			File:     "app.log",
			JSONFile: "app.json.log",
		},
		UI: UIConfig{
			RefreshRate: 250,
		},
	}
}

// Load загружает конфигурацию из файла, подмешивает .env и переменные окружения
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// .env необязателен, но испорченный файл - ошибка
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogFields - сводка конфигурации для лога после инициализации логгера
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("broker", c.Broker.Kind),
		zap.Int("symbols", len(c.Selection.Symbols)),
		zap.String("fire_time", c.Schedule.FireTime),
		zap.Int("early_fire_ms", c.Schedule.EarlyFireMs),
		zap.Int("max_candidates", c.Selection.MaxCandidates),
		zap.Bool("journal", c.Storage.URL != ""),
	}
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAccessToken); ok && v != "" {
		c.Broker.AccessToken = v
	}
	if v, ok := os.LookupEnv(EnvAPIKey); ok && v != "" {
		c.Broker.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvAPISecret); ok && v != "" {
		c.Broker.APISecret = v
	}
}

// Validate проверяет конфигурацию до начала ожидания
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "rest", "binance":
	default:
		return fmt.Errorf("%w: неизвестный брокер %q", ErrInvalid, c.Broker.Kind)
	}

	s := c.Selection
	if s.GapUpMin >= s.GapUpMax {
		return fmt.Errorf("%w: gap_up_min (%v) должен быть меньше gap_up_max (%v)", ErrInvalid, s.GapUpMin, s.GapUpMax)
	}
	if s.MinPrice < 0 {
		return fmt.Errorf("%w: отрицательная min_price", ErrInvalid)
	}
	if s.MaxCandidates < 1 {
		return fmt.Errorf("%w: max_candidates должен быть не меньше 1", ErrInvalid)
	}
	if s.StreamStart != "" {
		if _, err := time.Parse(clockLayout, s.StreamStart); err != nil {
			return fmt.Errorf("%w: stream_start %q: ожидается HH:MM:SS", ErrInvalid, s.StreamStart)
		}
	}

	if _, err := time.Parse(clockLayout, c.Schedule.FireTime); err != nil {
		return fmt.Errorf("%w: fire_time %q: ожидается HH:MM:SS", ErrInvalid, c.Schedule.FireTime)
	}
	if c.Schedule.EarlyFireMs < 0 || time.Duration(c.Schedule.EarlyFireMs)*time.Millisecond > MaxEarlyFire {
		return fmt.Errorf("%w: early_fire_ms должен быть в диапазоне 0-%d, получено %d",
			ErrInvalid, MaxEarlyFire.Milliseconds(), c.Schedule.EarlyFireMs)
	}

	if _, err := c.OrderTemplate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// FireTarget возвращает момент отправки сегодня. Прошедшее время - ошибка конфигурации.
func (c *Config) FireTarget(now time.Time) (time.Time, error) {
	target, err := clockToday(c.Schedule.FireTime, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: fire_time: %v", ErrInvalid, err)
	}
	if !target.After(now) {
		return time.Time{}, fmt.Errorf("%w: время %s уже прошло", ErrInvalid, c.Schedule.FireTime)
	}
	return target, nil
}

// StreamStartAt возвращает момент подключения к потоку сегодня, нулевое время - без ожидания
func (c *Config) StreamStartAt(now time.Time) (time.Time, error) {
	if c.Selection.StreamStart == "" {
		return time.Time{}, nil
	}
	return clockToday(c.Selection.StreamStart, now)
}

// EarlyFire возвращает раннее смещение
func (c *Config) EarlyFire() time.Duration {
	return time.Duration(c.Schedule.EarlyFireMs) * time.Millisecond
}

// OrderTemplate собирает шаблон заявки
func (c *Config) OrderTemplate() (models.Order, error) {
	o := c.Orders
	side, err := models.ParseSide(o.Side)
	if err != nil {
		return models.Order{}, err
	}
	kind, err := models.ParseOrderKind(o.Type)
	if err != nil {
		return models.Order{}, err
	}
	validity, err := models.ParseValidity(o.Validity)
	if err != nil {
		return models.Order{}, err
	}

	tmpl := models.Order{
		Symbol:       "TEMPLATE",
		Exchange:     strings.ToUpper(o.Exchange),
		Quantity:     o.Quantity,
		Side:         side,
		Kind:         kind,
		Product:      o.Product,
		Validity:     validity,
		DisclosedQty: o.DisclosedQty,
	}
	if o.LimitPrice != 0 {
		tmpl.LimitPrice = decimal.NewFromFloat(o.LimitPrice)
	}
	if o.StopPrice != 0 {
		tmpl.StopPrice = decimal.NewFromFloat(o.StopPrice)
	}
	if err := tmpl.Validate(); err != nil {
		return models.Order{}, err
	}
	tmpl.Symbol = ""
	return tmpl, nil
}

// Duration переводит миллисекунды из конфигурации
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func clockToday(value string, now time.Time) (time.Time, error) {
	t, err := time.Parse(clockLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("ожидается HH:MM:SS, получено %q", value)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
}
