package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Transport selects the wire used to reach a device.
type Transport string

const (
	// TransportStream is a stream-socket (Modbus TCP) connection.
	TransportStream Transport = "stream"
	// TransportSerial is a serial-line (Modbus RTU) connection.
	TransportSerial Transport = "serial"
)

// DataType names the engineering type a parameter decodes to.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeString  DataType = "string"
)

// Words returns the register count one value of this type occupies.
// STRING widths are declared per parameter and return 0 here.
func (t DataType) Words() int {
	switch t {
	case TypeBool, TypeInt16, TypeUint16:
		return 1
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeFloat64:
		return 4
	default:
		return 0
	}
}

// ByteOrder names the convention for arranging bytes of a multi-word value.
type ByteOrder string

const (
	// OrderAB is the native 16-bit word, high byte first.
	OrderAB ByteOrder = "AB"
	// OrderBA is the byte-swapped 16-bit word.
	OrderBA ByteOrder = "BA"
	// OrderABCD is the native multi-word layout.
	OrderABCD ByteOrder = "ABCD"
	// OrderCDAB swaps the two halves and keeps their internal order.
	OrderCDAB ByteOrder = "CDAB"
	// OrderBADC keeps the half order and swaps bytes inside each half.
	OrderBADC ByteOrder = "BADC"
	// OrderDCBA swaps halves and the bytes inside them.
	OrderDCBA ByteOrder = "DCBA"
)

// RegisterFunction selects the device address space a range reads.
type RegisterFunction string

const (
	FunctionCoil     RegisterFunction = "coil"
	FunctionDiscrete RegisterFunction = "discrete"
	FunctionHolding  RegisterFunction = "holding"
	FunctionInput    RegisterFunction = "input"
)

// Writable reports whether the function supports writes.
func (f RegisterFunction) Writable() bool {
	return f == FunctionCoil || f == FunctionHolding
}

// Bits reports whether the function addresses single-bit values.
func (f RegisterFunction) Bits() bool {
	return f == FunctionCoil || f == FunctionDiscrete
}

// ConnectionConfig describes how to reach one device. It is immutable once a
// connection manager has been constructed from it.
type ConnectionConfig struct {
	Transport Transport `yaml:"transport"`

	// Stream transport.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Serial transport.
	SerialPort string `yaml:"serial_port,omitempty"`
	BaudRate   int    `yaml:"baud_rate,omitempty"`
	DataBits   int    `yaml:"data_bits,omitempty"`
	StopBits   int    `yaml:"stop_bits,omitempty"`
	Parity     string `yaml:"parity,omitempty"`

	UnitID     uint8    `yaml:"unit_id"`
	Timeout    Duration `yaml:"timeout,omitempty"`
	Retries    int      `yaml:"retries,omitempty"`
	RetryDelay Duration `yaml:"retry_delay,omitempty"`
}

// Address returns a human-readable endpoint for logs.
func (c ConnectionConfig) Address() string {
	if c.Transport == TransportSerial {
		return c.SerialPort
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParameterConfig maps a slice of a register range onto a typed value.
type ParameterConfig struct {
	Name     string    `yaml:"name"`
	Type     DataType  `yaml:"type"`
	Order    ByteOrder `yaml:"byte_order,omitempty"`
	Offset   uint16    `yaml:"offset"`
	Words    uint16    `yaml:"words,omitempty"`
	Scale    float64   `yaml:"scale,omitempty"`
	Decimals int32     `yaml:"decimals,omitempty"`
	Signed   bool      `yaml:"signed,omitempty"`
	Unit     string    `yaml:"unit,omitempty"`
}

// RegisterRangeConfig describes one contiguous block read and the parameters
// decoded from it.
type RegisterRangeConfig struct {
	Start      uint16            `yaml:"start"`
	Count      uint16            `yaml:"count"`
	Function   RegisterFunction  `yaml:"function"`
	Parameters []ParameterConfig `yaml:"parameters"`
}

// DeviceConfig is one monitored device: its connection and register map.
type DeviceConfig struct {
	ID           string                `yaml:"id"`
	Connection   ConnectionConfig      `yaml:"connection"`
	Ranges       []RegisterRangeConfig `yaml:"ranges"`
	PollInterval Duration              `yaml:"poll_interval,omitempty"`
}

// LokiConfig enables shipping log lines to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig controls the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = time.Second
	defaultBaudRate   = 9600
	defaultDataBits   = 8
	defaultStopBits   = 1
	defaultParity     = "N"
)

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises defaults and rejects inconsistent device records.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		dev := &c.Devices[i]
		if dev.ID == "" {
			return fmt.Errorf("device %d: id must not be empty", i)
		}
		if _, dup := seen[dev.ID]; dup {
			return fmt.Errorf("device %s: duplicate id", dev.ID)
		}
		seen[dev.ID] = struct{}{}
		if err := dev.Connection.Validate(); err != nil {
			return fmt.Errorf("device %s: %w", dev.ID, err)
		}
		for r := range dev.Ranges {
			if err := dev.Ranges[r].Validate(); err != nil {
				return fmt.Errorf("device %s range %d: %w", dev.ID, r, err)
			}
		}
	}
	return nil
}

// Validate checks transport fields and applies timeout/retry defaults.
func (c *ConnectionConfig) Validate() error {
	switch c.Transport {
	case TransportStream:
		if c.Host == "" {
			return fmt.Errorf("stream connection requires a host")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("stream connection requires a port in 1..65535, got %d", c.Port)
		}
	case TransportSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("serial connection requires a serial_port")
		}
		if c.BaudRate <= 0 {
			c.BaudRate = defaultBaudRate
		}
		if c.DataBits <= 0 {
			c.DataBits = defaultDataBits
		}
		if c.StopBits <= 0 {
			c.StopBits = defaultStopBits
		}
		if c.Parity == "" {
			c.Parity = defaultParity
		}
		switch strings.ToUpper(c.Parity) {
		case "N", "E", "O":
			c.Parity = strings.ToUpper(c.Parity)
		default:
			return fmt.Errorf("serial parity must be N, E or O, got %q", c.Parity)
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Timeout.Duration <= 0 {
		c.Timeout.Duration = defaultTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay.Duration <= 0 {
		c.RetryDelay.Duration = defaultRetryDelay
	}
	return nil
}

// Validate checks range geometry and every parameter laid out inside it.
func (r *RegisterRangeConfig) Validate() error {
	switch r.Function {
	case FunctionCoil, FunctionDiscrete, FunctionHolding, FunctionInput:
	default:
		return fmt.Errorf("unsupported function %q", r.Function)
	}
	if r.Count == 0 {
		return fmt.Errorf("count must be >0")
	}
	names := make(map[string]struct{}, len(r.Parameters))
	for i := range r.Parameters {
		p := &r.Parameters[i]
		if err := p.normalize(r); err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("parameter %s: duplicate name", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	return nil
}

func (p *ParameterConfig) normalize(r *RegisterRangeConfig) error {
	if p.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if r.Function.Bits() && p.Type != TypeBool {
		return fmt.Errorf("%s ranges only carry bool parameters, got %s", r.Function, p.Type)
	}
	switch p.Type {
	case TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeFloat32, TypeFloat64:
		if want := uint16(p.Type.Words()); p.Words == 0 {
			p.Words = want
		} else if p.Words != want {
			return fmt.Errorf("type %s occupies %d words, got %d", p.Type, want, p.Words)
		}
	case TypeString:
		if p.Words == 0 {
			return fmt.Errorf("string parameters must declare words")
		}
	default:
		return fmt.Errorf("unsupported data type %q", p.Type)
	}
	if p.Order == "" {
		if p.Type.Words() > 1 {
			p.Order = OrderABCD
		} else {
			p.Order = OrderAB
		}
	}
	if err := validOrder(p.Type, p.Order); err != nil {
		return err
	}
	if int(p.Offset)+int(p.Words) > int(r.Count) {
		return fmt.Errorf("offset %d + words %d exceeds range count %d", p.Offset, p.Words, r.Count)
	}
	return nil
}

func validOrder(t DataType, o ByteOrder) error {
	switch t {
	case TypeBool, TypeInt16, TypeUint16:
		if o != OrderAB && o != OrderBA {
			return fmt.Errorf("byte order %s is not valid for 16-bit type %s", o, t)
		}
	case TypeInt32, TypeUint32, TypeFloat32, TypeFloat64:
		switch o {
		case OrderABCD, OrderCDAB, OrderBADC, OrderDCBA:
		default:
			return fmt.Errorf("byte order %s is not valid for multi-word type %s", o, t)
		}
	case TypeString:
		// Strings are byte sequences and carry no byte order.
	}
	return nil
}

// FindParameter locates a parameter by name across all ranges of a device.
func (d DeviceConfig) FindParameter(name string) (RegisterRangeConfig, ParameterConfig, bool) {
	for _, rng := range d.Ranges {
		for _, p := range rng.Parameters {
			if p.Name == name {
				return rng, p, true
			}
		}
	}
	return RegisterRangeConfig{}, ParameterConfig{}, false
}
