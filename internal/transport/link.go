package transport

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Link is a bidirectional byte stream to the apparatus. Real links are
// serial ports; tests and demo mode substitute in-process pipes.
type Link interface {
	io.ReadWriteCloser
}

// OpenSerial opens a serial link with the 8N1 framing the apparatus
// firmware uses and clears any stale input left from a previous session.
func OpenSerial(portPath string, baudRate int) (Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: reset input on %s: %w", portPath, err)
	}
	return port, nil
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return ports, nil
}
