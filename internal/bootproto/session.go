package bootproto

import (
	"github.com/sirupsen/logrus"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
	"github.com/kaerke/stm32boot/internal/portio"
)

// BootloaderSession is the scope guard spec.md §4.3/§9 calls for: entering
// the bootloader protocol means switching the live port to even parity,
// and leaving it — on success, on error, or on an early return — must
// restore whatever parity was in effect before. It replaces the Python
// original's __enter__/__exit__ context manager with a Go guard value
// whose Close method a caller defers immediately after construction.
type BootloaderSession struct {
	Engine *Engine

	port        Wire
	priorParity portio.Parity
	closed      bool
}

// EnterBootloaderSession switches wire to even parity (the bootloader's
// wire framing) and returns a session wrapping a fresh Engine. Callers
// must defer Close() to restore the prior parity regardless of how the
// session ends.
func EnterBootloaderSession(wire Wire, log *logrus.Logger) (*BootloaderSession, error) {
	if wire == nil {
		return nil, bootloaderrors.New(bootloaderrors.NotConnected, "enter_bootloader_session", "not connected")
	}
	prior, err := wire.SetParity(portio.ParityEven)
	if err != nil {
		return nil, err
	}
	return &BootloaderSession{
		Engine:      NewEngine(wire, log),
		port:        wire,
		priorParity: prior,
	}, nil
}

// Close restores the parity that was in effect before the session began
// and marks the engine closed. It is idempotent and safe to call via
// defer alongside an explicit early-return call.
func (s *BootloaderSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.Engine.Close()
	_, err := s.port.SetParity(s.priorParity)
	return err
}
