package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"

	"github.com/kstaniek/go-mscan/internal/hal"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/node"
)

// appConfig is filled from defaults, then the YAML file, then MSCAN_*
// environment variables, then explicitly set flags.
type appConfig struct {
	BaseID    string   `yaml:"base_id" env:"MSCAN_BASE_ID"`
	ExtraIDs  []string `yaml:"extra_ids" env:"MSCAN_EXTRA_IDS" envSeparator:","`
	Loopback  bool     `yaml:"loopback" env:"MSCAN_LOOPBACK"`
	Prescaler uint     `yaml:"prescaler" env:"MSCAN_PRESCALER"`
	Seg1      uint     `yaml:"seg1" env:"MSCAN_SEG1"`
	Seg2      uint     `yaml:"seg2" env:"MSCAN_SEG2"`
	JumpWidth uint     `yaml:"jump_width" env:"MSCAN_JUMP_WIDTH"`
	ClockHz   uint32   `yaml:"clock_hz" env:"MSCAN_CLOCK_HZ"`
	FIFODepth int      `yaml:"fifo_depth" env:"MSCAN_FIFO_DEPTH"`

	WaitTimeout  time.Duration `yaml:"wait_timeout" env:"MSCAN_WAIT_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"MSCAN_POLL_INTERVAL"`
	Heartbeat    string        `yaml:"heartbeat" env:"MSCAN_HEARTBEAT"`
	HeartbeatTO  time.Duration `yaml:"heartbeat_interval" env:"MSCAN_HEARTBEAT_INTERVAL"`
	TxQueue      int           `yaml:"tx_queue" env:"MSCAN_TX_QUEUE"`
	SendTimeout  time.Duration `yaml:"send_timeout" env:"MSCAN_SEND_TIMEOUT"`
	RetryMin     time.Duration `yaml:"retry_min" env:"MSCAN_RETRY_MIN"`
	RetryMax     time.Duration `yaml:"retry_max" env:"MSCAN_RETRY_MAX"`
	RetryLimit   int           `yaml:"retry_limit" env:"MSCAN_RETRY_LIMIT"`

	Backend      string        `yaml:"backend" env:"MSCAN_BACKEND"`
	SerialDev    string        `yaml:"serial" env:"MSCAN_SERIAL"`
	Baud         int           `yaml:"baud" env:"MSCAN_BAUD"`
	SerialReadTO time.Duration `yaml:"serial_read_timeout" env:"MSCAN_SERIAL_READ_TIMEOUT"`
	CANIf        string        `yaml:"can_if" env:"MSCAN_CAN_IF"`

	Listen       string        `yaml:"listen" env:"MSCAN_LISTEN"`
	HubBuffer    int           `yaml:"hub_buffer" env:"MSCAN_HUB_BUFFER"`
	HubPolicy    string        `yaml:"hub_policy" env:"MSCAN_HUB_POLICY"`
	MaxClients   int           `yaml:"max_clients" env:"MSCAN_MAX_CLIENTS"`
	HandshakeTO  time.Duration `yaml:"handshake_timeout" env:"MSCAN_HANDSHAKE_TIMEOUT"`
	ClientReadTO time.Duration `yaml:"client_read_timeout" env:"MSCAN_CLIENT_READ_TIMEOUT"`
	MDNSEnable   bool          `yaml:"mdns_enable" env:"MSCAN_MDNS_ENABLE"`
	MDNSName     string        `yaml:"mdns_name" env:"MSCAN_MDNS_NAME"`

	HTTPAddr  string `yaml:"http_addr" env:"MSCAN_HTTP_ADDR"`
	CaptureDB string `yaml:"capture_db" env:"MSCAN_CAPTURE_DB"`
	Console   bool   `yaml:"console" env:"MSCAN_CONSOLE"`

	LogFormat       string        `yaml:"log_format" env:"MSCAN_LOG_FORMAT"`
	LogLevel        string        `yaml:"log_level" env:"MSCAN_LOG_LEVEL"`
	LogMetricsEvery time.Duration `yaml:"log_metrics_interval" env:"MSCAN_LOG_METRICS_INTERVAL"`

	configFile  string
	showVersion bool
}

func defaultConfig() appConfig {
	return appConfig{
		BaseID:       "0x123",
		ClockHz:      8_000_000,
		FIFODepth:    5,
		PollInterval: time.Millisecond,
		TxQueue:      64,
		SendTimeout:  2 * time.Second,
		RetryMin:     time.Millisecond,
		RetryMax:     50 * time.Millisecond,
		Backend:      "none",
		SerialDev:    "/dev/ttyUSB0",
		Baud:         115200,
		SerialReadTO: 50 * time.Millisecond,
		CANIf:        "can0",
		HubBuffer:    256,
		HubPolicy:    "drop",
		HandshakeTO:  3 * time.Second,
		ClientReadTO: 60 * time.Second,
		LogFormat:    "text",
		LogLevel:     "info",
	}
}

// listFlag is a comma separated flag bound to a string slice.
type listFlag struct{ p *[]string }

func (l listFlag) String() string {
	if l.p == nil {
		return ""
	}
	return strings.Join(*l.p, ",")
}

func (l listFlag) Set(v string) error {
	*l.p = nil
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l.p = append(*l.p, s)
		}
	}
	return nil
}

// bindFlags registers every flag with c's current values as defaults.
func bindFlags(fs *flag.FlagSet, c *appConfig) {
	fs.StringVar(&c.configFile, "config", "", "YAML configuration file")
	fs.BoolVar(&c.showVersion, "version", false, "Print version and exit")

	fs.StringVar(&c.BaseID, "base-id", c.BaseID, "Standard identifier accepted by filter 0")
	fs.Var(listFlag{&c.ExtraIDs}, "extra-ids", "Comma separated identifiers for filters 1..3")
	fs.BoolVar(&c.Loopback, "loopback", c.Loopback, "Route transmitted frames back to the receiver")
	fs.UintVar(&c.Prescaler, "prescaler", c.Prescaler, "Bit timing prescaler (0 = default timing)")
	fs.UintVar(&c.Seg1, "seg1", c.Seg1, "Time segment 1 in quanta")
	fs.UintVar(&c.Seg2, "seg2", c.Seg2, "Time segment 2 in quanta")
	fs.UintVar(&c.JumpWidth, "jump-width", c.JumpWidth, "Synchronization jump width in quanta")
	fs.Func("clock-hz", "Controller clock in Hz", func(v string) error {
		n, err := strconv.ParseUint(v, 0, 32)
		c.ClockHz = uint32(n)
		return err
	})
	fs.IntVar(&c.FIFODepth, "fifo-depth", c.FIFODepth, "Simulated receive FIFO depth")

	fs.DurationVar(&c.WaitTimeout, "wait-timeout", c.WaitTimeout, "Bound for hardware waits (0 = wait forever)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Receive poll interval")
	fs.StringVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "Heartbeat frame in ID#DATA notation")
	fs.DurationVar(&c.HeartbeatTO, "heartbeat-interval", c.HeartbeatTO, "Heartbeat period (0 disables)")
	fs.IntVar(&c.TxQueue, "tx-queue", c.TxQueue, "Outbound frame queue size")
	fs.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "How long API and console sends wait for completion")
	fs.DurationVar(&c.RetryMin, "retry-min", c.RetryMin, "First backoff after a full transmit buffer")
	fs.DurationVar(&c.RetryMax, "retry-max", c.RetryMax, "Backoff ceiling")
	fs.IntVar(&c.RetryLimit, "retry-limit", c.RetryLimit, "Attempts per frame before giving up (0 = until cancelled)")

	fs.StringVar(&c.Backend, "backend", c.Backend, "External bus bridge: none|serial|socketcan")
	fs.StringVar(&c.SerialDev, "serial", c.SerialDev, "Serial device path")
	fs.IntVar(&c.Baud, "baud", c.Baud, "Serial baud rate")
	fs.DurationVar(&c.SerialReadTO, "serial-read-timeout", c.SerialReadTO, "Serial read timeout")
	fs.StringVar(&c.CANIf, "can-if", c.CANIf, "SocketCAN interface (when -backend=socketcan)")

	fs.StringVar(&c.Listen, "listen", c.Listen, "Cannelloni tap listen address (empty disables)")
	fs.IntVar(&c.HubBuffer, "hub-buffer", c.HubBuffer, "Per-port bus buffer (frames)")
	fs.StringVar(&c.HubPolicy, "hub-policy", c.HubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.DurationVar(&c.HandshakeTO, "handshake-timeout", c.HandshakeTO, "Client handshake timeout")
	fs.DurationVar(&c.ClientReadTO, "client-read-timeout", c.ClientReadTO, "Per-connection read deadline")
	fs.BoolVar(&c.MDNSEnable, "mdns-enable", c.MDNSEnable, "Advertise the tap over mDNS")
	fs.StringVar(&c.MDNSName, "mdns-name", c.MDNSName, "mDNS instance name (default mscan-node-<hostname>)")

	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP API and metrics address (empty disables)")
	fs.StringVar(&c.CaptureDB, "capture-db", c.CaptureDB, "Capture database path (empty disables)")
	fs.BoolVar(&c.Console, "console", c.Console, "Start the interactive console")

	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&c.LogMetricsEvery, "log-metrics-interval", c.LogMetricsEvery, "If >0, periodically log metrics counters")
}

func loadYAML(r io.Reader, c *appConfig) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(b, c)
}

// loadConfig resolves the configuration for args. The first flag pass only
// locates -config; the second runs over the merged values so that explicit
// flags win.
func loadConfig(args []string) (*appConfig, error) {
	probe := defaultConfig()
	fs := flag.NewFlagSet("mscan-node", flag.ContinueOnError)
	bindFlags(fs, &probe)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if probe.showVersion {
		return &probe, nil
	}

	cfg := defaultConfig()
	if probe.configFile != "" {
		f, err := os.Open(probe.configFile)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		err = loadYAML(f, &cfg)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", probe.configFile, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	fs = flag.NewFlagSet("mscan-node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return &cfg, nil
}

func parseID(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", s, err)
	}
	if n > hal.MaxStdID {
		return 0, fmt.Errorf("identifier %q: %w", s, mscan.ErrInvalidIdentifier)
	}
	return uint16(n), nil
}

// driverConfig converts the flat settings into the driver configuration.
func (c *appConfig) driverConfig() (mscan.Config, error) {
	base, err := parseID(c.BaseID)
	if err != nil {
		return mscan.Config{}, err
	}
	dc := mscan.Config{BaseID: base, Loopback: c.Loopback, ClockHz: c.ClockHz}
	for _, s := range c.ExtraIDs {
		id, err := parseID(s)
		if err != nil {
			return mscan.Config{}, err
		}
		dc.ExtraIDs = append(dc.ExtraIDs, id)
	}
	if c.Prescaler != 0 {
		dc.Timing = hal.BusTiming{
			Clock:     hal.ClockBus,
			Prescaler: uint8(c.Prescaler),
			Seg1:      uint8(c.Seg1),
			Seg2:      uint8(c.Seg2),
			JumpWidth: uint8(c.JumpWidth),
		}
		if c.Prescaler > hal.MaxPrescaler || c.Seg1 > hal.MaxSeg1 || c.Seg2 > hal.MaxSeg2 || c.JumpWidth > hal.MaxJumpWidth {
			return mscan.Config{}, fmt.Errorf("%w: field out of range", hal.ErrInvalidTiming)
		}
		if err := dc.Timing.Validate(); err != nil {
			return mscan.Config{}, err
		}
	}
	if len(dc.ExtraIDs) > hal.FilterCount-1 {
		return mscan.Config{}, fmt.Errorf("%w: %d extra identifiers", mscan.ErrTooManyFilters, len(dc.ExtraIDs))
	}
	return dc, nil
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.Backend {
	case "none", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.Backend)
	}
	switch c.HubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.HubPolicy)
	}
	if _, err := c.driverConfig(); err != nil {
		return err
	}
	if c.Heartbeat != "" {
		if _, err := node.ParseFrame(c.Heartbeat); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if c.HeartbeatTO <= 0 {
			return errors.New("heartbeat-interval must be > 0 when heartbeat is set")
		}
	}
	if c.ClockHz == 0 {
		return errors.New("clock-hz must be > 0")
	}
	if c.FIFODepth <= 0 {
		return fmt.Errorf("fifo-depth must be > 0 (got %d)", c.FIFODepth)
	}
	if c.WaitTimeout < 0 {
		return errors.New("wait-timeout must be >= 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.TxQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.TxQueue)
	}
	if c.SendTimeout <= 0 {
		return errors.New("send-timeout must be > 0")
	}
	if c.RetryMin <= 0 || c.RetryMax < c.RetryMin {
		return fmt.Errorf("retry backoff must satisfy 0 < retry-min <= retry-max (got %s, %s)", c.RetryMin, c.RetryMax)
	}
	if c.RetryLimit < 0 {
		return errors.New("retry-limit must be >= 0")
	}
	if c.HubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.HubBuffer)
	}
	if c.Backend == "serial" {
		if c.Baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.Baud)
		}
		if c.SerialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	}
	if c.HandshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.ClientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.MaxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.MDNSEnable && c.Listen == "" {
		return errors.New("mdns-enable needs a tap listen address")
	}
	return nil
}
