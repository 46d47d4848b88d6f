package line

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial attaches a serial port as an additional line-protocol
// stream. USB-attached controllers speak the exact same newline-JSON
// protocol as TCP ones, handshake included.
func (s *Server) OpenSerial(portName string, baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the board starts talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	s.logger.Info("serial device transport attached", "port", portName, "baud", baud)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ServeStream(port, "serial:"+portName)
	}()
	return nil
}
