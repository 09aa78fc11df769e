package hw

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultUARTBaud is the rate the external debugger drives the EP UART at.
const DefaultUARTBaud = 115200

// OpenSerialUART opens the energy-point label UART on a real serial port.
func OpenSerialUART(portName string, baud int) (io.ReadCloser, error) {
	if baud == 0 {
		baud = DefaultUARTBaud
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// ListSerialPorts returns the names of serial ports present on the host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
