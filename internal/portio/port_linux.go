//go:build linux

// Package portio owns the Linux tty device node abstraction backing
// spec.md §3's Port: open/close, baud/parity configuration, and
// read-with-timeout. It is deliberately parallel to goserial's
// port_linux.go (same ioctl plumbing) but narrowed to what a UART
// bootloader session and a terminal session both need, and widened with a
// runtime-switchable parity setter a raw serial library wouldn't otherwise
// need (the bootloader session scope flips parity on a live fd without
// reopening it).
package portio

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
	"syscall"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
)

// Parity selects the wire parity: None for ordinary terminal traffic, Even
// for bootloader traffic (spec.md §3 Port, §4.3).
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
)

// Options configures a Port at Open time.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the Options a fresh connection uses absent
// caller overrides.
func DefaultOptions() *Options {
	return &Options{ReadTimeout: 100 * time.Millisecond, WriteTimeout: time.Second}
}

// Port is an open serial device node. Exactly one Port may be open per
// process per spec.md §3 ("Exactly one Port may be open at a time per
// process").
type Port struct {
	path    string
	baud    int
	options *Options
	fd      int
	closed  atomic.Bool
}

// Open opens path, configures it for 8 data bits / 1 stop bit / no parity
// at baud, and returns the Port. baud must be positive.
func Open(path string, baud int, opts *Options) (*Port, error) {
	if path == "" {
		return nil, bootloaderrors.New(bootloaderrors.InvalidArgument, "connect", "port path cannot be empty")
	}
	if baud <= 0 {
		return nil, bootloaderrors.New(bootloaderrors.InvalidArgument, "connect", "baud rate must be positive")
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "connect", err)
	}

	p := &Port{path: path, baud: baud, options: opts, fd: fd}
	if err := p.configure(baud, ParityNone); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if err := p.Flush(QueueBoth); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *Port) getAttr() (*Termios, error) {
	attrs := &Termios{}
	if err := ioctl.Ioctl(uintptr(p.fd), tcgets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "getattr", err)
	}
	return attrs, nil
}

func (p *Port) setAttr(attrs *Termios) error {
	if err := ioctl.Ioctl(uintptr(p.fd), tcsets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "setattr", err)
	}
	return nil
}

func (p *Port) configure(baud int, parity Parity) error {
	if speed, ok := baudConstants[baud]; ok {
		attrs, err := p.getAttr()
		if err != nil {
			return err
		}
		attrs.MakeRaw()
		attrs.setDataStopBits()
		attrs.setParity(parity == ParityEven)
		attrs.Cflag |= CREAD | CLOCAL
		attrs.SetSpeed(speed)
		return p.setAttr(attrs)
	}
	return p.configureCustomSpeed(baud, parity)
}

// configureCustomSpeed handles baud rates outside the fixed Bnnnn table
// via TCGETS2/TCSETS2 and the BOTHER/custom-speed path.
func (p *Port) configureCustomSpeed(baud int, parity Parity) error {
	attrs, err := p.getAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.setDataStopBits()
	attrs.setParity(parity == ParityEven)
	attrs.Cflag |= CREAD | CLOCAL
	attrs.SetCustomSpeed(uint32(baud))
	return p.setAttr2(attrs)
}

func (p *Port) getAttr2() (*Termios2, error) {
	attrs := &Termios2{}
	if err := ioctl.Ioctl(uintptr(p.fd), tcgets2, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "getattr2", err)
	}
	return attrs, nil
}

func (p *Port) setAttr2(attrs *Termios2) error {
	if err := ioctl.Ioctl(uintptr(p.fd), tcsets2, uintptr(unsafe.Pointer(attrs))); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "setattr2", err)
	}
	return nil
}

// SetParity switches the live fd between no-parity and even-parity framing
// and reports the previous setting, so a caller (BootloaderSession) can
// restore it later.
func (p *Port) SetParity(parity Parity) (previous Parity, err error) {
	if p.closed.Load() {
		return ParityNone, bootloaderrors.New(bootloaderrors.NotConnected, "set_parity", "port is closed")
	}
	attrs, err := p.getAttr()
	if err != nil {
		return ParityNone, err
	}
	previous = ParityNone
	if attrs.Cflag&PARENB != 0 {
		previous = ParityEven
	}
	attrs.setParity(parity == ParityEven)
	if err := p.setAttr(attrs); err != nil {
		return previous, err
	}
	return previous, nil
}

// Write writes data to the port.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, bootloaderrors.New(bootloaderrors.NotConnected, "write", "port is closed")
	}
	n, err := syscall.Write(p.fd, data)
	if err != nil {
		return n, bootloaderrors.Wrap(bootloaderrors.IoError, "write", err)
	}
	return n, nil
}

// Read reads whatever is immediately available, honoring the configured
// ReadTimeout.
func (p *Port) Read(data []byte) (int, error) {
	return p.ReadTimeout(data, p.options.ReadTimeout)
}

// ReadTimeout reads from the port, returning (0, timeout-wrapped-error)
// if no data arrives within timeout.
func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, bootloaderrors.New(bootloaderrors.NotConnected, "read", "port is closed")
	}
	if err := poll.WaitInput(p.fd, timeout); err != nil {
		return 0, bootloaderrors.Wrap(bootloaderrors.Timeout, "read", err)
	}
	n, err := syscall.Read(p.fd, data)
	if err != nil {
		return n, bootloaderrors.Wrap(bootloaderrors.IoError, "read", err)
	}
	return n, nil
}

// Flush discards buffered input, output, or both.
func (p *Port) Flush(queue Queue) error {
	if p.closed.Load() {
		return bootloaderrors.New(bootloaderrors.NotConnected, "flush", "port is closed")
	}
	if err := ioctl.Ioctl(uintptr(p.fd), tcflsh, uintptr(queue)); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "flush", err)
	}
	return nil
}

// Path returns the device node path this Port was opened with.
func (p *Port) Path() string { return p.path }

// Baud returns the baud rate this Port was opened with.
func (p *Port) Baud() int { return p.baud }

// Close closes the underlying fd. Close is idempotent.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := syscall.Close(p.fd); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "close", err)
	}
	return nil
}
