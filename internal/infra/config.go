package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-verifier/internal/autonomy"
	"github.com/xela07ax/spaceai-verifier/internal/connectors"
	"github.com/xela07ax/spaceai-verifier/internal/dispatch"
	"github.com/xela07ax/spaceai-verifier/internal/scheduler"
	"github.com/xela07ax/spaceai-verifier/internal/spotcheck"
	"github.com/xela07ax/spaceai-verifier/internal/tier"
)

// Config - корневая структура конфигурации движка верификации.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Verification VerificationConfig `mapstructure:"verification"`
	SpotCheck    SpotCheckConfig    `mapstructure:"spotcheck"`
	Autonomy     AutonomyConfig     `mapstructure:"autonomy"`
	Connectors   ConnectorsConfig   `mapstructure:"connectors"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает admin HTTP и gRPC health.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (durable store). Пустой URL - только память.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (локи и Pub/Sub). Пустой Addr - без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig - публичный ключ для проверки JWT операторов admin API.
// Пустой ключ - admin API без аутентификации (только локальный запуск).
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	RequiredScope string        `mapstructure:"required_scope"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
	PublicKey     []byte
}

// EngineConfig - журнал и встроенный триггер "process due".
type EngineConfig struct {
	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalBatchSize     int           `mapstructure:"journal_batch_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`

	// 0 - внешний cron дергает admin API сам
	TickInterval time.Duration `mapstructure:"tick_interval"`
	AgentLockTTL time.Duration `mapstructure:"agent_lock_ttl"`
}

// VerificationConfig - параметры сессии, расписания, доставки и гейтов.
type VerificationConfig struct {
	Days               int `mapstructure:"days"`
	MinPerDay          int `mapstructure:"min_per_day"`
	MaxPerDay          int `mapstructure:"max_per_day"`
	BurstSize          int `mapstructure:"burst_size"`
	MinNightChallenges int `mapstructure:"min_night_challenges"`
	NightStartHour     int `mapstructure:"night_start_hour"`
	NightEndHour       int `mapstructure:"night_end_hour"`

	RespondWithin    time.Duration `mapstructure:"respond_within"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	BurstTimeout     time.Duration `mapstructure:"burst_timeout"`
	BurstPause       time.Duration `mapstructure:"burst_pause"`
	MinResponseChars int           `mapstructure:"min_response_chars"`

	MinAttemptRate    float64       `mapstructure:"min_attempt_rate"`
	MinPassesPerDay   int           `mapstructure:"min_passes_per_day"`
	PassRateRequired  float64       `mapstructure:"pass_rate_required"`
	AcceleratedWindow time.Duration `mapstructure:"accelerated_window"`

	SkipsAllowedPerDay int `mapstructure:"skips_allowed_per_day"`
	Autonomous1Days    int `mapstructure:"autonomous1_days"`
	Autonomous2Days    int `mapstructure:"autonomous2_days"`
	Autonomous3Days    int `mapstructure:"autonomous3_days"`
}

type SpotCheckConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Window           time.Duration `mapstructure:"window"`
	MaxFailures      int           `mapstructure:"max_failures"`
	MinChecksForRate int           `mapstructure:"min_checks_for_rate"`
	MaxFailureRate   float64       `mapstructure:"max_failure_rate"`
}

type AutonomyConfig struct {
	VarianceWeight      float64 `mapstructure:"variance_weight"`
	NightWeight         float64 `mapstructure:"night_weight"`
	OfflineWeight       float64 `mapstructure:"offline_weight"`
	UptimeWeight        float64 `mapstructure:"uptime_weight"`
	AutonomousThreshold float64 `mapstructure:"autonomous_threshold"`
	SuspiciousThreshold float64 `mapstructure:"suspicious_threshold"`
	MaxCV               float64 `mapstructure:"max_cv"`
	SleepStartHour      int     `mapstructure:"sleep_start_hour"`
	SleepEndHour        int     `mapstructure:"sleep_end_hour"`
}

// ConnectorsConfig - внешние коллабораторы. UseMocks - локальный запуск без них.
type ConnectorsConfig struct {
	UseMocks          bool          `mapstructure:"use_mocks"`
	DirectoryURL      string        `mapstructure:"directory_url"`
	DirectoryAPIKey   string        `mapstructure:"directory_api_key"`
	CollaboratorsAddr string        `mapstructure:"collaborators_addr"` // gRPC: fingerprint + model detection
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
	Attempts          uint          `mapstructure:"attempts"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	CBMaxFailures     uint32        `mapstructure:"cb_max_failures"`
	CBTimeout         time.Duration `mapstructure:"cb_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// VERIFICATION_BURST_TIMEOUT=30s перекроет verification.burst_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute) // run-now держит запрос на все всплески
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("auth.required_scope", "verifier.admin")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.journal_buffer_size", 10000)
	v.SetDefault("engine.journal_batch_size", 100)
	v.SetDefault("engine.journal_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.tick_interval", time.Minute)
	v.SetDefault("engine.agent_lock_ttl", 2*time.Minute)

	sp, dp, tp := scheduler.DefaultParams(), dispatch.DefaultParams(), tier.DefaultParams()
	v.SetDefault("verification.days", sp.Days)
	v.SetDefault("verification.min_per_day", sp.MinPerDay)
	v.SetDefault("verification.max_per_day", sp.MaxPerDay)
	v.SetDefault("verification.burst_size", sp.BurstSize)
	v.SetDefault("verification.min_night_challenges", sp.MinNightChallenges)
	v.SetDefault("verification.night_start_hour", sp.NightStartHour)
	v.SetDefault("verification.night_end_hour", sp.NightEndHour)
	v.SetDefault("verification.respond_within", dp.RespondWithin)
	v.SetDefault("verification.request_timeout", dp.RequestTimeout)
	v.SetDefault("verification.burst_timeout", dp.BurstTimeout)
	v.SetDefault("verification.burst_pause", dp.BurstPause)
	v.SetDefault("verification.min_response_chars", dp.MinResponseChars)
	v.SetDefault("verification.min_attempt_rate", 0.6)
	v.SetDefault("verification.min_passes_per_day", 1)
	v.SetDefault("verification.pass_rate_required", 0.8)
	v.SetDefault("verification.accelerated_window", time.Hour)
	v.SetDefault("verification.skips_allowed_per_day", tp.SkipsAllowed)
	v.SetDefault("verification.autonomous1_days", tp.Autonomous1Days)
	v.SetDefault("verification.autonomous2_days", tp.Autonomous2Days)
	v.SetDefault("verification.autonomous3_days", tp.Autonomous3Days)

	sc := spotcheck.DefaultParams()
	v.SetDefault("spotcheck.timeout", sc.Timeout)
	v.SetDefault("spotcheck.request_timeout", sc.RequestTimeout)
	v.SetDefault("spotcheck.max_delay", sc.MaxDelay)
	v.SetDefault("spotcheck.window", sc.Window)
	v.SetDefault("spotcheck.max_failures", sc.MaxFailures)
	v.SetDefault("spotcheck.min_checks_for_rate", sc.MinChecksForRate)
	v.SetDefault("spotcheck.max_failure_rate", sc.MaxFailureRate)

	ap := autonomy.DefaultParams()
	v.SetDefault("autonomy.variance_weight", ap.VarianceWeight)
	v.SetDefault("autonomy.night_weight", ap.NightWeight)
	v.SetDefault("autonomy.offline_weight", ap.OfflineWeight)
	v.SetDefault("autonomy.uptime_weight", ap.UptimeWeight)
	v.SetDefault("autonomy.autonomous_threshold", ap.AutonomousThreshold)
	v.SetDefault("autonomy.suspicious_threshold", ap.SuspiciousThreshold)
	v.SetDefault("autonomy.max_cv", ap.MaxCV)
	v.SetDefault("autonomy.sleep_start_hour", ap.SleepStartHour)
	v.SetDefault("autonomy.sleep_end_hour", ap.SleepEndHour)

	cp := connectors.DefaultReliabilityOptions("")
	v.SetDefault("connectors.use_mocks", true)
	v.SetDefault("connectors.rate_per_second", cp.RatePerSecond)
	v.SetDefault("connectors.burst", cp.Burst)
	v.SetDefault("connectors.attempts", cp.Attempts)
	v.SetDefault("connectors.call_timeout", cp.CallTimeout)
	v.SetDefault("connectors.cb_max_failures", cp.MaxConsecutiveFailures)
	v.SetDefault("connectors.cb_timeout", cp.OpenTimeout)
}

// Validate ловит конфигурации, при которых алгоритмы теряют смысл.
func (c *Config) Validate() error {
	vc := c.Verification
	switch {
	case vc.Days <= 0:
		return errors.New("verification.days must be positive")
	case vc.MinPerDay <= 0 || vc.MaxPerDay < vc.MinPerDay:
		return fmt.Errorf("verification: invalid per-day bounds %d..%d", vc.MinPerDay, vc.MaxPerDay)
	case vc.BurstSize <= 0:
		return errors.New("verification.burst_size must be positive")
	case vc.NightStartHour < 0 || vc.NightEndHour > 24 || vc.NightStartHour >= vc.NightEndHour:
		return fmt.Errorf("verification: invalid night band %d..%d", vc.NightStartHour, vc.NightEndHour)
	case vc.MinAttemptRate < 0 || vc.MinAttemptRate > 1 || vc.PassRateRequired < 0 || vc.PassRateRequired > 1:
		return errors.New("verification: rates must be within [0, 1]")
	case !(vc.Autonomous1Days < vc.Autonomous2Days && vc.Autonomous2Days < vc.Autonomous3Days):
		return errors.New("verification: tier thresholds must be increasing")
	case c.SpotCheck.MaxDelay <= 0 || c.SpotCheck.Window <= 0:
		return errors.New("spotcheck: max_delay and window must be positive")
	case c.SpotCheck.RequestTimeout <= c.SpotCheck.Timeout:
		return errors.New("spotcheck.request_timeout must exceed spotcheck.timeout")
	case vc.RequestTimeout <= vc.RespondWithin:
		return errors.New("verification.request_timeout must exceed verification.respond_within")
	}
	return nil
}

func (vc VerificationConfig) SchedulerParams() scheduler.Params {
	return scheduler.Params{
		Days:               vc.Days,
		MinPerDay:          vc.MinPerDay,
		MaxPerDay:          vc.MaxPerDay,
		BurstSize:          vc.BurstSize,
		MinNightChallenges: vc.MinNightChallenges,
		NightStartHour:     vc.NightStartHour,
		NightEndHour:       vc.NightEndHour,
	}
}

func (vc VerificationConfig) DispatchParams() dispatch.Params {
	return dispatch.Params{
		RespondWithin:    vc.RespondWithin,
		RequestTimeout:   vc.RequestTimeout,
		BurstTimeout:     vc.BurstTimeout,
		BurstPause:       vc.BurstPause,
		BurstSize:        vc.BurstSize,
		MinResponseChars: vc.MinResponseChars,
	}
}

func (vc VerificationConfig) TierParams() tier.Params {
	return tier.Params{
		Autonomous1Days: vc.Autonomous1Days,
		Autonomous2Days: vc.Autonomous2Days,
		Autonomous3Days: vc.Autonomous3Days,
		SkipsAllowed:    vc.SkipsAllowedPerDay,
		DayLength:       24 * time.Hour,
	}
}

func (sc SpotCheckConfig) Params() spotcheck.Params {
	return spotcheck.Params{
		Timeout:          sc.Timeout,
		RequestTimeout:   sc.RequestTimeout,
		MaxDelay:         sc.MaxDelay,
		Window:           sc.Window,
		MaxFailures:      sc.MaxFailures,
		MinChecksForRate: sc.MinChecksForRate,
		MaxFailureRate:   sc.MaxFailureRate,
	}
}

func (ac AutonomyConfig) Params() autonomy.Params {
	p := autonomy.DefaultParams()
	p.VarianceWeight = ac.VarianceWeight
	p.NightWeight = ac.NightWeight
	p.OfflineWeight = ac.OfflineWeight
	p.UptimeWeight = ac.UptimeWeight
	p.AutonomousThreshold = ac.AutonomousThreshold
	p.SuspiciousThreshold = ac.SuspiciousThreshold
	p.MaxCV = ac.MaxCV
	p.SleepStartHour = ac.SleepStartHour
	p.SleepEndHour = ac.SleepEndHour
	return p
}

func (cc ConnectorsConfig) Reliability(name string) connectors.ReliabilityOptions {
	return connectors.ReliabilityOptions{
		Name:                   name,
		RatePerSecond:          cc.RatePerSecond,
		Burst:                  cc.Burst,
		Attempts:               cc.Attempts,
		CallTimeout:            cc.CallTimeout,
		MaxConsecutiveFailures: cc.CBMaxFailures,
		OpenTimeout:            cc.CBTimeout,
	}
}

// loadKeyResource - ключ из ENV (Docker/K8s) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
