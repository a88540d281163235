package connection

import (
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	"regmon/internal/config"
)

// Client is the subset of transport operations the register layer needs from
// a live session. Read calls return the raw protocol payload; decoding into
// words and typed values happens above this interface.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// handlerWithConn is the lifecycle surface shared by the goburrow TCP and RTU
// handlers.
type handlerWithConn interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// newHandler builds the transport handler matching the connection config.
func newHandler(cfg config.ConnectionConfig) (handlerWithConn, error) {
	switch cfg.Transport {
	case config.TransportStream:
		h := modbus.NewTCPClientHandler(cfg.Address())
		h.Timeout = cfg.Timeout.Duration
		h.SlaveId = cfg.UnitID
		return h, nil
	case config.TransportSerial:
		h := modbus.NewRTUClientHandler(cfg.SerialPort)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.StopBits = cfg.StopBits
		h.Parity = cfg.Parity
		h.Timeout = cfg.Timeout.Duration
		h.SlaveId = cfg.UnitID
		return h, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// probeSerialPort opens and immediately releases the serial port to verify it
// is present and not claimed by another process before the RTU handler takes
// ownership.
func probeSerialPort(cfg config.ConnectionConfig) error {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.SerialPort,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("serial port %s unavailable: %w", cfg.SerialPort, err)
	}
	return port.Close()
}
