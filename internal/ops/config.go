package ops

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"tradecore/internal/chaos"
	"tradecore/internal/journal"
	"tradecore/internal/model"
	"tradecore/internal/og"
	"tradecore/internal/precision"
	"tradecore/internal/recovery"
	"tradecore/internal/risk"
	"tradecore/pkg/conn"
	"tradecore/pkg/exception"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// TRADECORE_RISK_DEFAULT_DAILYMAXLOSS.
const EnvPrefix = "TRADECORE"

// FileConfig mirrors the config file layout. Decimals are strings so they
// are parsed exactly.
type FileConfig struct {
	Symbols    []string        `mapstructure:"symbols"`
	Risk       RiskFile        `mapstructure:"risk"`
	Order      OrderFile       `mapstructure:"order"`
	Recovery   RecoveryFile    `mapstructure:"recovery"`
	Precision  PrecisionFile   `mapstructure:"precision"`
	Engine     EngineFile      `mapstructure:"engine"`
	Health     HealthFile      `mapstructure:"health"`
	Store      StoreFile       `mapstructure:"store"`
	Paper      PaperFile       `mapstructure:"paper"`
	Strategies []BreakoutFile  `mapstructure:"strategies"`
	Pyroscope  PyroscopeConfig `mapstructure:"pyroscope"`
}

// LimitsFile is one set of risk limits. Empty fields of a per-symbol entry
// inherit the default entry.
type LimitsFile struct {
	MaxConsecutiveLosses int           `mapstructure:"maxConsecutiveLosses"`
	DailyMaxLoss         string        `mapstructure:"dailyMaxLoss"`
	MaxExposure          string        `mapstructure:"maxExposure"`
	DailyMaxQty          string        `mapstructure:"dailyMaxQty"`
	OrderNotional        string        `mapstructure:"orderNotional"`
	OrderTTL             time.Duration `mapstructure:"orderTTL"`
	HaltPolicy           string        `mapstructure:"haltPolicy"`
	HaltDuration         time.Duration `mapstructure:"haltDuration"`
	TimeInForce          string        `mapstructure:"timeInForce"`
	Leverage             int           `mapstructure:"leverage"`
}

// RiskFile configures the risk guard.
type RiskFile struct {
	Default LimitsFile            `mapstructure:"default"`
	Symbols map[string]LimitsFile `mapstructure:"symbols"`
	// FundingTimes are "HH:MM" in UTC.
	FundingTimes        []string      `mapstructure:"fundingTimes"`
	FundingWindow       time.Duration `mapstructure:"fundingWindow"`
	VolatilityWindow    time.Duration `mapstructure:"volatilityWindow"`
	VolatilityThreshold string        `mapstructure:"volatilityThreshold"`
	VolatilityHalt      time.Duration `mapstructure:"volatilityHalt"`
}

// OrderFile configures the order lifecycle manager.
type OrderFile struct {
	MaxAttempts   int           `mapstructure:"maxAttempts"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	CallTimeout   time.Duration `mapstructure:"callTimeout"`
	FlattenTTL    time.Duration `mapstructure:"flattenTTL"`
	AdoptTTL      time.Duration `mapstructure:"adoptTTL"`
}

// RecoveryFile configures reconciliation.
type RecoveryFile struct {
	Policy            string `mapstructure:"policy"`
	PositionTolerance string `mapstructure:"positionTolerance"`
	QuantityTolerance string `mapstructure:"quantityTolerance"`
}

// PrecisionFile configures the filter cache and rounding.
type PrecisionFile struct {
	Rounding   string        `mapstructure:"rounding"`
	StaleAfter time.Duration `mapstructure:"staleAfter"`
	Refresh    time.Duration `mapstructure:"refresh"`
}

// EngineFile configures scheduling.
type EngineFile struct {
	QueueLength   int           `mapstructure:"queueLength"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	SnapshotPath  string        `mapstructure:"snapshotPath"`
	DailyReset    string        `mapstructure:"dailyReset"`
}

// HealthFile configures the health surface.
type HealthFile struct {
	Addr     string        `mapstructure:"addr"`
	Interval time.Duration `mapstructure:"interval"`
	Metrics  bool          `mapstructure:"metrics"`
}

// StoreFile selects the persistence engine.
type StoreFile struct {
	Kind     string       `mapstructure:"kind"`
	Journal  JournalFile  `mapstructure:"journal"`
	Postgres PostgresFile `mapstructure:"postgres"`
}

// JournalFile configures the file journal.
type JournalFile struct {
	Dir                string        `mapstructure:"dir"`
	SegmentMaxBytes    int64         `mapstructure:"segmentMaxBytes"`
	SegmentMaxDuration time.Duration `mapstructure:"segmentMaxDuration"`
}

// PostgresFile configures the gorm store.
type PostgresFile struct {
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	User            string            `mapstructure:"user"`
	Password        string            `mapstructure:"password"`
	Database        string            `mapstructure:"database"`
	SSLMode         string            `mapstructure:"sslMode"`
	Params          map[string]string `mapstructure:"params"`
	ConnString      string            `mapstructure:"connString"`
	MaxOpenConns    int               `mapstructure:"maxOpenConns"`
	ConnMaxLifetime time.Duration     `mapstructure:"connMaxLifetime"`
}

// PaperFile configures the simulated exchange.
type PaperFile struct {
	Session string        `mapstructure:"session"`
	Latency time.Duration `mapstructure:"latency"`
	Filters []FilterFile  `mapstructure:"filters"`
	Feed    FeedFile      `mapstructure:"feed"`
	Chaos   ChaosFile     `mapstructure:"chaos"`
}

// ChaosFile injects gateway faults into paper trading.
type ChaosFile struct {
	Seed     uint64        `mapstructure:"seed"`
	FailRate float64       `mapstructure:"failRate"`
	MaxDelay time.Duration `mapstructure:"maxDelay"`
}

// FeedFile configures the synthetic market data feed of paper trading.
type FeedFile struct {
	Interval time.Duration     `mapstructure:"interval"`
	MaxMove  string            `mapstructure:"maxMove"`
	Seed     uint64            `mapstructure:"seed"`
	Prices   map[string]string `mapstructure:"prices"`
}

// FilterFile is one symbol's trading rules served by the simulator.
type FilterFile struct {
	Symbol      string `mapstructure:"symbol"`
	StepSize    string `mapstructure:"stepSize"`
	TickSize    string `mapstructure:"tickSize"`
	MinNotional string `mapstructure:"minNotional"`
	MinQty      string `mapstructure:"minQty"`
	MaxQty      string `mapstructure:"maxQty"`
	MinPrice    string `mapstructure:"minPrice"`
	MaxPrice    string `mapstructure:"maxPrice"`
}

// BreakoutFile registers one breakout strategy.
type BreakoutFile struct {
	ID       string   `mapstructure:"id"`
	Symbols  []string `mapstructure:"symbols"`
	Lookback int      `mapstructure:"lookback"`
	Quantity string   `mapstructure:"quantity"`
}

// PyroscopeConfig enables continuous profiling when Addr is set.
type PyroscopeConfig struct {
	Addr string `mapstructure:"addr"`
	App  string `mapstructure:"app"`
}

// StoreKind selects the repository implementation.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreJournal  StoreKind = "journal"
	StorePostgres StoreKind = "postgres"
)

// HealthConfig is the resolved health surface config.
type HealthConfig struct {
	Addr     string
	Interval time.Duration
	Metrics  bool
}

// EngineConfig is the resolved scheduling config.
type EngineConfig struct {
	QueueLength      int
	SweepInterval    time.Duration
	FilterStaleAfter time.Duration
	FilterRefresh    time.Duration
	Rounding         precision.RoundingMode
	SnapshotPath     string
	// DailyReset is the cron spec of the UTC daily risk reset.
	DailyReset string
}

// StoreConfig is the resolved persistence config.
type StoreConfig struct {
	Kind     StoreKind
	Journal  journal.Config
	Postgres conn.Option
}

// PaperConfig is the resolved simulator config.
type PaperConfig struct {
	Session string
	Latency time.Duration
	Filters []model.ExchangeFilter
	Feed    FeedConfig
	Chaos   chaos.Config
}

// FeedConfig is the resolved synthetic feed. Interval zero disables it.
type FeedConfig struct {
	Interval   time.Duration
	MaxMove    decimal.Decimal
	Seed       uint64
	BasePrices map[string]decimal.Decimal
}

// BreakoutConfig is a resolved breakout registration.
type BreakoutConfig struct {
	ID       string
	Symbols  []string
	Lookback int
	Quantity decimal.Decimal
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Symbols    []string
	Risk       risk.Config
	Order      og.Config
	Recovery   recovery.Config
	Engine     EngineConfig
	Health     HealthConfig
	Store      StoreConfig
	Paper      PaperConfig
	Strategies []BreakoutConfig
	Pyroscope  PyroscopeConfig
}

// Load reads the config file at path, applies TRADECORE_ environment
// overrides and resolves it. A .env file next to the config, or in the
// working directory, is loaded first when present. An empty path uses
// defaults and environment only.
func Load(path string) (Loaded, error) {
	loadDotEnv(path)

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "read config %s, err: %+v", path, err)
		}
	}

	var file FileConfig
	if err := v.Unmarshal(&file); err != nil {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "decode config, err: %+v", err)
	}
	return file.Resolve()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every scalar key so environment overrides reach
// Unmarshal even when the file omits them.
func setDefaults(v *viper.Viper) {
	rc := risk.DefaultConfig()
	oc := og.DefaultConfig()
	defaults := map[string]any{
		"symbols":                           []string{},
		"risk.default.maxConsecutiveLosses": rc.Default.MaxConsecutiveLosses,
		"risk.default.dailyMaxLoss":         rc.Default.DailyMaxLoss.String(),
		"risk.default.maxExposure":          rc.Default.MaxExposure.String(),
		"risk.default.dailyMaxQty":          "",
		"risk.default.orderNotional":        rc.Default.OrderNotional.String(),
		"risk.default.orderTTL":             rc.Default.OrderTTL,
		"risk.default.haltPolicy":           rc.Default.HaltPolicy.String(),
		"risk.default.haltDuration":         time.Duration(0),
		"risk.default.timeInForce":          rc.Default.TimeInForce.String(),
		"risk.default.leverage":             rc.Default.Leverage,
		"risk.fundingTimes":                 []string{},
		"risk.fundingWindow":                time.Duration(0),
		"risk.volatilityWindow":             rc.VolatilityWindow,
		"risk.volatilityThreshold":          rc.VolatilityThreshold.String(),
		"risk.volatilityHalt":               rc.VolatilityHalt,
		"order.maxAttempts":                 oc.MaxAttempts,
		"order.retryInterval":               oc.RetryInterval,
		"order.callTimeout":                 oc.CallTimeout,
		"order.flattenTTL":                  oc.FlattenTTL,
		"order.adoptTTL":                    oc.AdoptTTL,
		"recovery.policy":                   recovery.PolicyHalt.String(),
		"recovery.positionTolerance":        "0",
		"recovery.quantityTolerance":        "0",
		"precision.rounding":                "nearest",
		"precision.staleAfter":              time.Hour,
		"precision.refresh":                 time.Minute,
		"engine.queueLength":                1024,
		"engine.sweepInterval":              time.Second,
		"engine.snapshotPath":               "",
		"engine.dailyReset":                 "0 0 * * *",
		"health.addr":                       ":8080",
		"health.interval":                   time.Second,
		"health.metrics":                    true,
		"store.kind":                        string(StoreJournal),
		"store.journal.dir":                 "data/journal",
		"store.journal.segmentMaxBytes":     int64(0),
		"store.journal.segmentMaxDuration":  time.Duration(0),
		"store.postgres.host":               "",
		"store.postgres.port":               0,
		"store.postgres.user":               "",
		"store.postgres.password":           "",
		"store.postgres.database":           "",
		"store.postgres.sslMode":            "",
		"store.postgres.connString":         "",
		"store.postgres.maxOpenConns":       0,
		"store.postgres.connMaxLifetime":    time.Duration(0),
		"paper.session":                     "paper",
		"paper.latency":                     time.Duration(0),
		"paper.feed.interval":               time.Duration(0),
		"paper.feed.maxMove":                "0.0005",
		"paper.feed.seed":                   uint64(1),
		"paper.chaos.seed":                  uint64(0),
		"paper.chaos.failRate":              0.0,
		"paper.chaos.maxDelay":              time.Duration(0),
		"pyroscope.addr":                    "",
		"pyroscope.app":                     "tradecore.trader",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func loadDotEnv(path string) {
	candidates := []string{".env"}
	if path != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(path), ".env")}, candidates...)
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		// Load never overrides variables that are already set.
		_ = godotenv.Load(candidate)
	}
}

// Resolve validates the file config and converts it to runtime types.
func (f FileConfig) Resolve() (Loaded, error) {
	riskCfg, err := f.Risk.resolve()
	if err != nil {
		return Loaded{}, err
	}
	recoveryCfg, err := f.Recovery.resolve()
	if err != nil {
		return Loaded{}, err
	}
	paper, err := f.Paper.resolve()
	if err != nil {
		return Loaded{}, err
	}
	strategies, err := resolveStrategies(f.Strategies)
	if err != nil {
		return Loaded{}, err
	}
	storeCfg, err := f.Store.resolve()
	if err != nil {
		return Loaded{}, err
	}

	symbols := normalizeSymbols(f.Symbols)
	for _, s := range strategies {
		symbols = mergeSymbols(symbols, s.Symbols)
	}
	if len(symbols) == 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "config: no symbols configured")
	}
	recoveryCfg.Symbols = symbols

	order := og.Config{
		MaxAttempts:   f.Order.MaxAttempts,
		RetryInterval: f.Order.RetryInterval,
		CallTimeout:   f.Order.CallTimeout,
		FlattenTTL:    f.Order.FlattenTTL,
		AdoptTTL:      f.Order.AdoptTTL,
	}
	if order.MaxAttempts < 1 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "config: order.maxAttempts must be >= 1")
	}

	rounding := strings.ToLower(strings.TrimSpace(f.Precision.Rounding))
	if !slices.Contains([]string{"", "nearest", "passive", "aggressive"}, rounding) {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "config: unknown rounding mode %q", f.Precision.Rounding)
	}

	engine := EngineConfig{
		QueueLength:      f.Engine.QueueLength,
		SweepInterval:    f.Engine.SweepInterval,
		FilterStaleAfter: f.Precision.StaleAfter,
		FilterRefresh:    f.Precision.Refresh,
		Rounding:         precision.ParseRoundingMode(rounding),
		SnapshotPath:     f.Engine.SnapshotPath,
		DailyReset:       f.Engine.DailyReset,
	}
	if engine.QueueLength <= 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "config: engine.queueLength must be > 0")
	}
	if engine.SweepInterval <= 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "config: engine.sweepInterval must be > 0")
	}

	return Loaded{
		Symbols:  symbols,
		Risk:     riskCfg,
		Order:    order,
		Recovery: recoveryCfg,
		Engine:   engine,
		Health: HealthConfig{
			Addr:     f.Health.Addr,
			Interval: f.Health.Interval,
			Metrics:  f.Health.Metrics,
		},
		Store:      storeCfg,
		Paper:      paper,
		Strategies: strategies,
		Pyroscope:  f.Pyroscope,
	}, nil
}

func (r RiskFile) resolve() (risk.Config, error) {
	cfg := risk.DefaultConfig()
	def, err := r.Default.resolve(cfg.Default)
	if err != nil {
		return risk.Config{}, errors.Wrap(err, "risk.default")
	}
	cfg.Default = def

	if len(r.Symbols) != 0 {
		cfg.Symbols = make(map[string]risk.Limits, len(r.Symbols))
		for symbol, lf := range r.Symbols {
			limits, err := lf.resolve(def)
			if err != nil {
				return risk.Config{}, errors.Wrapf(err, "risk.symbols.%s", symbol)
			}
			cfg.Symbols[strings.ToUpper(symbol)] = limits
		}
	}

	cfg.FundingTimes = make([]time.Duration, 0, len(r.FundingTimes))
	for _, hhmm := range r.FundingTimes {
		offset, err := parseClock(hhmm)
		if err != nil {
			return risk.Config{}, err
		}
		cfg.FundingTimes = append(cfg.FundingTimes, offset)
	}
	cfg.FundingWindow = r.FundingWindow

	if r.VolatilityWindow > 0 {
		cfg.VolatilityWindow = r.VolatilityWindow
	}
	if r.VolatilityHalt > 0 {
		cfg.VolatilityHalt = r.VolatilityHalt
	}
	if cfg.VolatilityThreshold, err = parseDecimal("risk.volatilityThreshold", r.VolatilityThreshold, cfg.VolatilityThreshold); err != nil {
		return risk.Config{}, err
	}
	return cfg, nil
}

func (l LimitsFile) resolve(base risk.Limits) (risk.Limits, error) {
	out := base
	if l.MaxConsecutiveLosses < 0 {
		return risk.Limits{}, errors.Wrap(exception.ErrInvalidArgument, "maxConsecutiveLosses must be >= 0")
	}
	if l.MaxConsecutiveLosses > 0 {
		out.MaxConsecutiveLosses = l.MaxConsecutiveLosses
	}

	var err error
	if out.DailyMaxLoss, err = parseDecimal("dailyMaxLoss", l.DailyMaxLoss, base.DailyMaxLoss); err != nil {
		return risk.Limits{}, err
	}
	if out.MaxExposure, err = parseDecimal("maxExposure", l.MaxExposure, base.MaxExposure); err != nil {
		return risk.Limits{}, err
	}
	if out.DailyMaxQty, err = parseDecimal("dailyMaxQty", l.DailyMaxQty, base.DailyMaxQty); err != nil {
		return risk.Limits{}, err
	}
	if out.OrderNotional, err = parseDecimal("orderNotional", l.OrderNotional, base.OrderNotional); err != nil {
		return risk.Limits{}, err
	}

	if l.OrderTTL > 0 {
		out.OrderTTL = l.OrderTTL
	}
	if l.Leverage < 0 {
		return risk.Limits{}, errors.Wrap(exception.ErrInvalidArgument, "leverage must be >= 0")
	}
	if l.Leverage > 0 {
		out.Leverage = l.Leverage
	}
	if l.HaltDuration > 0 {
		out.HaltDuration = l.HaltDuration
	}
	if l.HaltPolicy != "" {
		var p model.HaltPolicy
		if err := p.UnmarshalText([]byte(l.HaltPolicy)); err != nil || !p.IsAvailable() {
			return risk.Limits{}, errors.Wrapf(exception.ErrInvalidArgument, "unknown haltPolicy %q", l.HaltPolicy)
		}
		out.HaltPolicy = p
	}
	if out.HaltPolicy == model.HaltPolicyTimed && out.HaltDuration <= 0 {
		return risk.Limits{}, errors.Wrap(exception.ErrInvalidArgument, "haltDuration is required by the TIMED policy")
	}
	if l.TimeInForce != "" {
		var tif model.TimeInForce
		if err := tif.UnmarshalText([]byte(l.TimeInForce)); err != nil || !tif.IsAvailable() {
			return risk.Limits{}, errors.Wrapf(exception.ErrInvalidArgument, "unknown timeInForce %q", l.TimeInForce)
		}
		out.TimeInForce = tif
	}
	return out, nil
}

func (r RecoveryFile) resolve() (recovery.Config, error) {
	cfg := recovery.DefaultConfig()
	policy, err := recovery.ParsePolicy(r.Policy)
	if err != nil {
		return recovery.Config{}, err
	}
	cfg.Policy = policy
	if cfg.PositionTolerance, err = parseDecimal("recovery.positionTolerance", r.PositionTolerance, decimal.Zero); err != nil {
		return recovery.Config{}, err
	}
	if cfg.QuantityTolerance, err = parseDecimal("recovery.quantityTolerance", r.QuantityTolerance, decimal.Zero); err != nil {
		return recovery.Config{}, err
	}
	if cfg.PositionTolerance.IsNegative() || cfg.QuantityTolerance.IsNegative() {
		return recovery.Config{}, errors.Wrap(exception.ErrInvalidArgument, "config: recovery tolerances must be >= 0")
	}
	return cfg, nil
}

func (s StoreFile) resolve() (StoreConfig, error) {
	kind := StoreKind(strings.ToLower(strings.TrimSpace(s.Kind)))
	out := StoreConfig{Kind: kind}
	switch kind {
	case StoreMemory:
	case StoreJournal:
		jc := journal.DefaultConfig(s.Journal.Dir)
		if s.Journal.SegmentMaxBytes > 0 {
			jc.SegmentMaxBytes = s.Journal.SegmentMaxBytes
		}
		if s.Journal.SegmentMaxDuration > 0 {
			jc.SegmentMaxDuration = s.Journal.SegmentMaxDuration
		}
		if err := jc.Validate(); err != nil {
			return StoreConfig{}, err
		}
		out.Journal = jc
	case StorePostgres:
		p := s.Postgres
		out.Postgres = conn.Option{
			Host:            p.Host,
			Port:            p.Port,
			User:            p.User,
			Password:        p.Password,
			Database:        p.Database,
			SSLMode:         p.SSLMode,
			Params:          p.Params,
			ConnString:      p.ConnString,
			MaxOpenConns:    p.MaxOpenConns,
			ConnMaxLifetime: p.ConnMaxLifetime,
			Silent:          true,
		}
		if _, err := out.Postgres.DSN(); err != nil {
			return StoreConfig{}, errors.Wrapf(exception.ErrInvalidArgument, "config: store.postgres, err: %+v", err)
		}
	default:
		return StoreConfig{}, errors.Wrapf(exception.ErrInvalidArgument, "config: unknown store kind %q", s.Kind)
	}
	return out, nil
}

func (p PaperFile) resolve() (PaperConfig, error) {
	out := PaperConfig{Session: p.Session, Latency: p.Latency}
	for _, ff := range p.Filters {
		f, err := ff.resolve()
		if err != nil {
			return PaperConfig{}, err
		}
		out.Filters = append(out.Filters, f)
	}

	feed := FeedConfig{Interval: p.Feed.Interval, Seed: p.Feed.Seed}
	var err error
	if feed.MaxMove, err = parseDecimal("paper.feed.maxMove", p.Feed.MaxMove, decimal.Zero); err != nil {
		return PaperConfig{}, err
	}
	if feed.Interval < 0 || feed.MaxMove.IsNegative() {
		return PaperConfig{}, errors.Wrap(exception.ErrInvalidArgument, "config: paper.feed interval and maxMove must be >= 0")
	}
	if len(p.Feed.Prices) != 0 {
		feed.BasePrices = make(map[string]decimal.Decimal, len(p.Feed.Prices))
		for symbol, raw := range p.Feed.Prices {
			symbol = strings.ToUpper(symbol)
			price, err := parseDecimal("paper.feed.prices."+symbol, raw, decimal.Zero)
			if err != nil {
				return PaperConfig{}, err
			}
			if !price.IsPositive() {
				return PaperConfig{}, errors.Wrapf(exception.ErrInvalidArgument, "config: paper.feed.prices.%s must be > 0", symbol)
			}
			feed.BasePrices[symbol] = price
		}
	}
	if feed.Interval > 0 && len(feed.BasePrices) == 0 {
		return PaperConfig{}, errors.Wrap(exception.ErrInvalidArgument, "config: paper.feed needs prices")
	}
	out.Feed = feed

	out.Chaos = chaos.Config{Seed: p.Chaos.Seed, FailRate: p.Chaos.FailRate, MaxDelay: p.Chaos.MaxDelay}
	if err := out.Chaos.Validate(); err != nil {
		return PaperConfig{}, errors.Wrap(err, "config: paper.chaos")
	}
	return out, nil
}

func (ff FilterFile) resolve() (model.ExchangeFilter, error) {
	symbol := strings.ToUpper(strings.TrimSpace(ff.Symbol))
	if symbol == "" {
		return model.ExchangeFilter{}, errors.Wrap(exception.ErrInvalidArgument, "config: paper filter without symbol")
	}
	f := model.ExchangeFilter{Symbol: symbol}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"stepSize", ff.StepSize, &f.StepSize},
		{"tickSize", ff.TickSize, &f.TickSize},
		{"minNotional", ff.MinNotional, &f.MinNotional},
		{"minQty", ff.MinQty, &f.MinQty},
		{"maxQty", ff.MaxQty, &f.MaxQty},
		{"minPrice", ff.MinPrice, &f.MinPrice},
		{"maxPrice", ff.MaxPrice, &f.MaxPrice},
	}
	for _, field := range fields {
		d, err := parseDecimal("paper.filters."+symbol+"."+field.name, field.raw, decimal.Zero)
		if err != nil {
			return model.ExchangeFilter{}, err
		}
		*field.dst = d
	}
	if !f.StepSize.IsPositive() || !f.TickSize.IsPositive() {
		return model.ExchangeFilter{}, errors.Wrapf(exception.ErrInvalidArgument, "config: paper filter %s needs positive stepSize and tickSize", symbol)
	}
	return f, nil
}

func resolveStrategies(files []BreakoutFile) ([]BreakoutConfig, error) {
	out := make([]BreakoutConfig, 0, len(files))
	for _, bf := range files {
		if bf.ID == "" {
			return nil, errors.Wrap(exception.ErrInvalidArgument, "config: strategy without id")
		}
		qty, err := parseDecimal("strategies."+bf.ID+".quantity", bf.Quantity, decimal.Zero)
		if err != nil {
			return nil, err
		}
		out = append(out, BreakoutConfig{
			ID:       bf.ID,
			Symbols:  normalizeSymbols(bf.Symbols),
			Lookback: bf.Lookback,
			Quantity: qty,
		})
	}
	return out, nil
}

func parseDecimal(name, raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(exception.ErrInvalidArgument, "config: %s is not a decimal: %q", name, raw)
	}
	return d, nil
}

// parseClock parses "HH:MM" into an offset from UTC midnight.
func parseClock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, errors.Wrapf(exception.ErrInvalidArgument, "config: funding time %q is not HH:MM", hhmm)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func mergeSymbols(dst, src []string) []string {
	for _, s := range src {
		if !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}
