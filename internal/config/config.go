package config

import (
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"dipper/internal/risk"
)

// File mirrors the YAML config layout. Percent columns are human percentages
// and are divided by 100 while resolving.
type File struct {
	BaseCapital float64        `yaml:"baseCapital" validate:"gt=0"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Feed        FeedConfig     `yaml:"feed"`
	Journal     JournalConfig  `yaml:"journal"`
	Profiling   ProfilerConfig `yaml:"profiling"`
	Risk        risk.Config    `yaml:"risk"`
	Symbols     []SymbolRow    `yaml:"symbols" validate:"min=1,dive"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" default:":9108"`
	Path string `yaml:"path" default:"/metrics"`
}

// FeedConfig points at the streaming trade feed and daily open source.
type FeedConfig struct {
	URL       string `yaml:"url" default:"wss://socket.polygon.io/stocks"`
	RestURL   string `yaml:"restURL" default:"https://api.polygon.io"`
	APIKeyEnv string `yaml:"apiKeyEnv" default:"POLYGON_API_KEY"`
}

// JournalConfig enables the Postgres execution journal when its DSN env is set.
type JournalConfig struct {
	DSNEnv string `yaml:"dsnEnv" default:"DIPPER_JOURNAL_DSN"`
}

// ProfilerConfig enables continuous profiling.
type ProfilerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServerAddress string `yaml:"serverAddress" default:"http://localhost:4040"`
}

// SymbolRow is one per-symbol strategy row.
type SymbolRow struct {
	Ticker      string  `yaml:"ticker" validate:"required"`
	Venue       string  `yaml:"venue" default:"SMART"`
	TriggerPct  float64 `yaml:"triggerPct" validate:"lt=0"`
	OffsetPct   float64 `yaml:"offsetPct"`
	StopLossPct float64 `yaml:"stopLossPct" validate:"gt=0,lt=100"`
	SizePct     float64 `yaml:"sizePct" validate:"gt=0,lte=100"`
	CloseTime   string  `yaml:"closeTime" validate:"required"`
	Timezone    string  `yaml:"timezone" default:"America/New_York"`
}

// TimeOfDay is a wall-clock time in a symbol's trading timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Reached reports whether now, viewed in loc, is at or past the time of day.
func (t TimeOfDay) Reached(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	return local.Hour()*60+local.Minute() >= t.Hour*60+t.Minute
}

// Symbol is a resolved per-symbol strategy configuration.
type Symbol struct {
	Ticker    string
	Venue     string
	Trigger   decimal.Decimal // signed fraction, negative
	Offset    decimal.Decimal // signed fraction
	StopLoss  decimal.Decimal // positive fraction
	Size      decimal.Decimal // fraction of base capital
	CloseTime TimeOfDay
	Location  *time.Location
}

// Config is the resolved configuration ready for use.
type Config struct {
	BaseCapital decimal.Decimal
	Metrics     MetricsConfig
	Feed        FeedConfig
	Journal     JournalConfig
	Profiling   ProfilerConfig
	Risk        risk.Config
	Symbols     []Symbol
}

// Symbol returns the resolved row for a ticker.
func (c Config) Symbol(ticker string) (Symbol, bool) {
	for _, s := range c.Symbols {
		if s.Ticker == ticker {
			return s, true
		}
	}
	return Symbol{}, false
}

// Tickers returns the configured tickers in file order.
func (c Config) Tickers() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Ticker)
	}
	return out
}

// Load reads and resolves a YAML config file. Any failure here is fatal to the
// caller: the process must not trade on a partially parsed configuration.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves raw YAML config bytes.
func Parse(data []byte) (Config, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := defaults.Set(&file); err != nil {
		return Config{}, errors.Wrap(err, "apply config defaults")
	}
	if err := validator.New().Struct(file); err != nil {
		return Config{}, errors.Wrap(err, "validate config")
	}
	return resolve(file)
}

func resolve(file File) (Config, error) {
	cfg := Config{
		BaseCapital: decimal.NewFromFloat(file.BaseCapital),
		Metrics:     file.Metrics,
		Feed:        file.Feed,
		Journal:     file.Journal,
		Profiling:   file.Profiling,
		Risk:        file.Risk,
		Symbols:     make([]Symbol, 0, len(file.Symbols)),
	}

	seen := make(map[string]struct{}, len(file.Symbols))
	for _, row := range file.Symbols {
		sym, err := resolveSymbol(row)
		if err != nil {
			return Config{}, err
		}
		if _, dup := seen[sym.Ticker]; dup {
			return Config{}, errors.Errorf("duplicate symbol: %s", sym.Ticker)
		}
		seen[sym.Ticker] = struct{}{}
		cfg.Symbols = append(cfg.Symbols, sym)
	}
	return cfg, nil
}

func resolveSymbol(row SymbolRow) (Symbol, error) {
	loc, err := time.LoadLocation(row.Timezone)
	if err != nil {
		return Symbol{}, errors.Wrapf(err, "load timezone for %s", row.Ticker)
	}
	closeAt, err := parseTimeOfDay(row.CloseTime)
	if err != nil {
		return Symbol{}, errors.Wrapf(err, "parse close time for %s", row.Ticker)
	}
	hundred := decimal.NewFromInt(100)
	return Symbol{
		Ticker:    strings.ToUpper(strings.TrimSpace(row.Ticker)),
		Venue:     strings.ToUpper(strings.TrimSpace(row.Venue)),
		Trigger:   decimal.NewFromFloat(row.TriggerPct).Div(hundred),
		Offset:    decimal.NewFromFloat(row.OffsetPct).Div(hundred),
		StopLoss:  decimal.NewFromFloat(row.StopLossPct).Div(hundred),
		Size:      decimal.NewFromFloat(row.SizePct).Div(hundred),
		CloseTime: closeAt,
		Location:  loc,
	}, nil
}

func parseTimeOfDay(raw string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return TimeOfDay{}, err
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}
