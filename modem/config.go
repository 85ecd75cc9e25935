package modem

import (
	"context"
	"log/slog"
	"time"
)

// DeadlinePolicy selects how ReadExact applies its timeout.
type DeadlinePolicy int

const (
	// DeadlinePerByte re-arms the full timeout every time the reader has to
	// wait for more bytes, so a slow but steady stream never times out.
	// Worst case duration is length × timeout.
	DeadlinePerByte DeadlinePolicy = iota
	// DeadlineOverall bounds the whole read by a single deadline.
	DeadlineOverall
)

// BringupPolicy bounds the power-cycle-and-retry loop of Up. The zero value
// retries forever.
type BringupPolicy struct {
	// MaxAttempts is the number of bring-up attempts, zero for no limit.
	MaxAttempts int
	// MaxDuration bounds the total time spent in Up, zero for no limit.
	MaxDuration time.Duration
}

func (p BringupPolicy) exhausted(attempts int, elapsed time.Duration) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxDuration > 0 && elapsed >= p.MaxDuration
}

// Sleeper waits for a duration. Lifecycle delays go through it so the
// hardware-mandated timings can be observed in tests.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type contextSleeper struct{}

func (contextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	Dialer   Dialer
	PowerKey Pin
	Sleeper  Sleeper
	Logger   *slog.Logger
	SimPIN   string

	ATTimeout          time.Duration
	EchoBudget         time.Duration
	EchoAttemptTimeout time.Duration

	RegistrationTimeout      time.Duration
	RegistrationPollInterval time.Duration

	SecureChannel       bool
	SecureChannelSettle time.Duration

	FlushWindow      time.Duration
	HTTPDataTimeout  time.Duration
	MaxContentLength int
	ExactReadPolicy  DeadlinePolicy
	ReadPollInterval time.Duration

	Bringup BringupPolicy
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Sleeper == nil {
		c.Sleeper = contextSleeper{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 20 * time.Second
	}
	if c.EchoBudget == 0 {
		c.EchoBudget = 35 * time.Second
	}
	if c.EchoAttemptTimeout == 0 {
		c.EchoAttemptTimeout = 200 * time.Millisecond
	}
	if c.RegistrationTimeout == 0 {
		c.RegistrationTimeout = 30 * time.Second
	}
	if c.RegistrationPollInterval == 0 {
		c.RegistrationPollInterval = time.Second
	}
	if c.SecureChannelSettle == 0 {
		c.SecureChannelSettle = 2 * time.Second
	}
	if c.FlushWindow == 0 {
		c.FlushWindow = time.Second
	}
	if c.HTTPDataTimeout == 0 {
		c.HTTPDataTimeout = 10 * time.Second
	}
	if c.MaxContentLength == 0 {
		c.MaxContentLength = 16 << 10
	}
	if c.ReadPollInterval == 0 {
		c.ReadPollInterval = 100 * time.Millisecond
	}
}

// ConfigBuilder assembles a Config with chained options.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

// WithPowerKey sets the power key line. Without one, power control is
// skipped and the modem is assumed to be powered externally.
func (b *ConfigBuilder) WithPowerKey(p Pin) *ConfigBuilder {
	b.config.PowerKey = p
	return b
}

func (b *ConfigBuilder) WithSleeper(s Sleeper) *ConfigBuilder {
	b.config.Sleeper = s
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

// WithEchoBudget sets the total time allowed for echo negotiation and the
// read timeout of a single attempt.
func (b *ConfigBuilder) WithEchoBudget(total, attempt time.Duration) *ConfigBuilder {
	b.config.EchoBudget = total
	b.config.EchoAttemptTimeout = attempt
	return b
}

func (b *ConfigBuilder) WithRegistrationTimeout(d time.Duration) *ConfigBuilder {
	b.config.RegistrationTimeout = d
	return b
}

// WithRegistrationPollInterval sets how long stray output is drained between
// two registration queries.
func (b *ConfigBuilder) WithRegistrationPollInterval(d time.Duration) *ConfigBuilder {
	b.config.RegistrationPollInterval = d
	return b
}

// WithSecureChannel enables AT+CCHSTART after registration, needed for
// https URLs on SIMCom modules.
func (b *ConfigBuilder) WithSecureChannel(enabled bool, settle time.Duration) *ConfigBuilder {
	b.config.SecureChannel = enabled
	b.config.SecureChannelSettle = settle
	return b
}

func (b *ConfigBuilder) WithFlushWindow(d time.Duration) *ConfigBuilder {
	b.config.FlushWindow = d
	return b
}

func (b *ConfigBuilder) WithMaxContentLength(n int) *ConfigBuilder {
	b.config.MaxContentLength = n
	return b
}

func (b *ConfigBuilder) WithExactReadPolicy(p DeadlinePolicy) *ConfigBuilder {
	b.config.ExactReadPolicy = p
	return b
}

func (b *ConfigBuilder) WithReadPollInterval(d time.Duration) *ConfigBuilder {
	b.config.ReadPollInterval = d
	return b
}

func (b *ConfigBuilder) WithBringupPolicy(p BringupPolicy) *ConfigBuilder {
	b.config.Bringup = p
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
