// Package session owns the process-wide serial connection: the one Port
// that may be open at a time, its background reader goroutine, RX/TX byte
// counters, and the pause gate that lets a foreground bootloader
// transaction borrow the port without racing the reader (spec.md §3
// Session State, §4.4, §5). It is grounded on original_source's
// serial_handler.py SerialManager.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
	"github.com/kaerke/stm32boot/internal/portio"
)

// Tuning constants, carried over from serial_handler.py.
const (
	ReadBufferSize    = 16384
	PacketTimeout     = 50 * time.Millisecond
	ReconnectDelay    = 500 * time.Millisecond
	MaxDisplayBuffer  = 32768
	maxConsecutiveErr = 5
)

// Line is one decoded chunk of terminal output the reader goroutine
// produced, ready for display.
type Line struct {
	Timestamp time.Time
	Text      string
	HexBytes  []byte
	IsHex     bool
	IsBinary  bool
	BinaryLen int
}

// Session manages the single serial connection a process may hold open,
// its background reader, and the display-mode flags spec.md §3 assigns to
// Session State.
type Session struct {
	readerMu sync.Mutex // guards rxBytes/txBytes
	connMu   sync.Mutex // guards port/running/thread lifecycle

	port    *portio.Port
	rxBytes uint64
	txBytes uint64

	readerPaused bool // lock-free pause gate (spec.md §5): only ever
	// flipped by Pause/Resume and polled by the reader loop

	showTimestamp bool
	hexMode       bool

	running bool
	done    chan struct{}

	log    *logrus.Logger
	output chan<- Line
}

// New constructs a Session that delivers decoded terminal output to out.
// A nil logger falls back to logrus's standard logger.
func New(out chan<- Line, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{output: out, log: log}
}

// ListPorts enumerates serial device nodes under /dev matching the
// platform's common naming (spec.md §6 list_ports). On Linux this scans
// /dev for ttyUSB*, ttyACM*, and ttyS* entries.
func ListPorts() ([]string, error) {
	return listPorts()
}

// Connect opens portName at baudRate and starts the background reader.
// Only one connection may be open at a time (spec.md §3 Port).
func (s *Session) Connect(portName string, baudRate int) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.port != nil || s.running {
		return bootloaderrors.New(bootloaderrors.InvalidArgument, "connect", "already connected, disconnect first")
	}

	p, err := portio.Open(portName, baudRate, portio.DefaultOptions())
	if err != nil {
		return err
	}

	s.port = p
	s.readerMu.Lock()
	s.rxBytes, s.txBytes = 0, 0
	s.readerMu.Unlock()

	s.running = true
	s.done = make(chan struct{})
	go s.readLoop(p, s.done)

	s.log.Infof("connected to %s at %d baud", portName, baudRate)
	return nil
}

// Disconnect stops the reader and closes the port, if still open. It is a
// no-op if not connected. The reader may have already closed the port
// itself after repeated I/O errors (spec.md §5); Disconnect still needs to
// stop the goroutine in that case, so it keys off s.running rather than
// s.port being non-nil.
func (s *Session) Disconnect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.done)

	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	return err
}

// closeDeadPort closes p after the reader has given up on it and clears
// s.port so Port()/Send() observe the disconnect. It only clears s.port if
// p is still the current port, avoiding a race with a concurrent
// Disconnect/Connect cycle.
func (s *Session) closeDeadPort(p *portio.Port) {
	_ = p.Close()
	s.connMu.Lock()
	if s.port == p {
		s.port = nil
	}
	s.connMu.Unlock()
}

// Port returns the currently open port, or nil if not connected. Callers
// needing to hand the port to a BootloaderSession must Pause the reader
// first.
func (s *Session) Port() *portio.Port {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.port
}

// Pause stops the background reader from touching the port, so a
// foreground protocol transaction (bootproto.Engine) can use it
// exclusively. Pause sleeps 10ms before returning, to let an in-flight
// reader iteration finish (spec.md §5's pause-gate grace period), so the
// port is ready for use once it returns. Callers must call Resume when done.
func (s *Session) Pause() {
	s.readerPaused = true
	time.Sleep(10 * time.Millisecond)
}

// Resume re-enables the background reader after a Pause.
func (s *Session) Resume() {
	s.readerPaused = false
}

// Send writes data to the port and updates the TX counter.
func (s *Session) Send(data []byte) error {
	s.connMu.Lock()
	p := s.port
	s.connMu.Unlock()

	if p == nil {
		return bootloaderrors.New(bootloaderrors.NotConnected, "send", "not connected")
	}
	if _, err := p.Write(data); err != nil {
		return err
	}
	s.readerMu.Lock()
	s.txBytes += uint64(len(data))
	s.readerMu.Unlock()
	return nil
}

// Stats returns the cumulative RX/TX byte counts for the current
// connection.
func (s *Session) Stats() (rx, tx uint64) {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	return s.rxBytes, s.txBytes
}

// SetShowTimestamp toggles the `[HH:MM:SS.mmm]` prefix on displayed lines.
func (s *Session) SetShowTimestamp(v bool) { s.showTimestamp = v }

// SetHexMode toggles hex-dump display of received bytes.
func (s *Session) SetHexMode(v bool) { s.hexMode = v }

func (s *Session) readLoop(p *portio.Port, done <-chan struct{}) {
	buffer := make([]byte, 0, ReadBufferSize)
	var lastRx time.Time
	consecutiveErrors := 0
	localRx := 0
	readBuf := make([]byte, ReadBufferSize)
	portDead := false

	flushCount := func() {
		if localRx > 0 {
			s.readerMu.Lock()
			s.rxBytes += uint64(localRx)
			s.readerMu.Unlock()
			localRx = 0
		}
	}

	for {
		select {
		case <-done:
			flushCount()
			return
		default:
		}

		if s.readerPaused {
			time.Sleep(time.Millisecond)
			continue
		}

		if portDead {
			// The port was already closed below after repeated I/O
			// errors; wait for an explicit Disconnect rather than
			// hammering a dead fd (matches serial_handler.py's
			// is_open check, which idles instead of retrying).
			time.Sleep(ReconnectDelay)
			continue
		}

		n, err := p.ReadTimeout(readBuf, PacketTimeout)
		if err != nil {
			if errors.Is(err, bootloaderrors.Sentinel(bootloaderrors.Timeout)) {
				// An ordinary idle poll timeout, not a fault; don't
				// count it toward the consecutive-error threshold.
				continue
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErr {
				flushCount()
				consecutiveErrors = 0
				s.closeDeadPort(p)
				portDead = true
				s.log.Warn("serial port closed after repeated I/O errors; reconnect required")
				time.Sleep(ReconnectDelay)
			}
			continue
		}
		consecutiveErrors = 0

		if n > 0 {
			localRx += n
			buffer = append(buffer, readBuf[:n]...)
			lastRx = time.Now()
		}

		if localRx > 1024 {
			flushCount()
		}

		if len(buffer) > MaxDisplayBuffer {
			buffer = append([]byte(nil), buffer[len(buffer)-MaxDisplayBuffer/2:]...)
		}

		if len(buffer) == 0 {
			time.Sleep(500 * time.Microsecond)
			continue
		}

		isTimeout := time.Since(lastRx) > PacketTimeout
		hasNewline := contains(buffer, '\n')
		if hasNewline || isTimeout {
			buffer = s.emit(buffer, isTimeout)
		}
	}
}

// emit decodes and delivers as much of buffer as is ready to display,
// returning whatever partial tail should remain buffered. A single
// timestamp prefix is attached to the first line of each flush, matching
// serial_handler.py's one-ts_prefix-per-print behavior rather than
// stamping every split line.
func (s *Session) emit(buffer []byte, isTimeout bool) []byte {
	ts := time.Now()
	prefix := timestampPrefix(ts, s.showTimestamp)

	if s.hexMode {
		out := append([]byte(nil), buffer...)
		s.deliver(Line{Timestamp: ts, Text: prefix, HexBytes: out, IsHex: true})
		return buffer[:0]
	}

	text := decodeText(buffer)

	if idx := lastNewline(text); idx >= 0 {
		complete := text[:idx]
		rest := text[idx+1:]
		for i, line := range splitLines(complete) {
			if i == 0 {
				line = prefix + line
			}
			s.deliver(Line{Timestamp: ts, Text: line})
		}
		return []byte(rest)
	}
	if isTimeout {
		if len(text) > 0 {
			s.deliver(Line{Timestamp: ts, Text: prefix + text})
		}
		return buffer[:0]
	}
	return buffer
}

// timestampPrefix returns a "[HH:MM:SS.mmm] " prefix when show is true, or
// the empty string otherwise (spec.md §3 Session State show_timestamp).
func timestampPrefix(ts time.Time, show bool) string {
	if !show {
		return ""
	}
	return "[" + ts.Format("15:04:05.000") + "] "
}

func (s *Session) deliver(l Line) {
	if s.output == nil {
		return
	}
	select {
	case s.output <- l:
	default:
		s.log.Warn("display channel full, dropping line")
	}
}

// decodeText implements the Open-Question decision recorded in
// DESIGN.md: drop non-ASCII bytes, then strip
// control characters other than tab/LF/CR, matching serial_handler.py's
// `decode('ascii', errors='ignore')` followed by its control-character
// regex.
func decodeText(buffer []byte) string {
	out := make([]byte, 0, len(buffer))
	for _, b := range buffer {
		if b >= 0x80 {
			continue
		}
		if b <= 0x08 || b == 0x0b || b == 0x0c || (b >= 0x0e && b <= 0x1f) {
			continue
		}
		out = append(out, b)
	}
	return string(out)
}

func contains(buf []byte, b byte) bool {
	for _, c := range buf {
		if c == b {
			return true
		}
	}
	return false
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	lines = append(lines, trimCR(s[start:]))
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
