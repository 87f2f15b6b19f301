// Package bootproto is the byte-accurate client for the MCU's UART system
// bootloader: framing, checksums, ACK/NACK handshakes, command repertoire
// discovery, and the timing-sensitive erase/write operations (spec.md
// §4.3). It is grounded field-for-field on original_source's
// stm32_bootloader.py.
package bootproto

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
	"github.com/kaerke/stm32boot/internal/portio"
)

// Command bytes (spec.md §4.3.1).
const (
	cmdGet              = 0x00
	cmdGetVersion       = 0x01
	cmdGetID            = 0x02
	cmdReadMemory       = 0x11
	cmdGo               = 0x21
	cmdWriteMemory      = 0x31
	cmdErase            = 0x43
	cmdExtendedErase    = 0x44
	cmdWriteProtect     = 0x63
	cmdWriteUnprotect   = 0x73
	cmdReadoutProtect   = 0x82
	cmdReadoutUnprotect = 0x92
)

// Response codes.
const (
	ack  = 0x79
	nack = 0x1F
)

// Default and per-operation timeouts (spec.md §4.3.1).
const (
	timeoutSync             = 2 * time.Second
	timeoutDefault          = 5 * time.Second
	timeoutReadData         = 2 * time.Second
	timeoutWrite            = 10 * time.Second
	timeoutEraseStandard    = 60 * time.Second
	timeoutEraseExtended    = 120 * time.Second
	timeoutWriteUnprotect   = 10 * time.Second
	timeoutReadoutUnprotect = 30 * time.Second
)

// MaxReadLength and MaxWriteLength are the per-transaction byte limits the
// wire format's N-1 length encoding allows (spec.md §6 Constants).
const (
	MaxReadLength  = 256
	MaxWriteLength = 256
)

// Wire is the minimal serial transport the engine needs: write bytes, read
// with a deadline, and flip parity for the bootloader's 8-E-1 framing. A
// *portio.Port satisfies this directly.
type Wire interface {
	Write(data []byte) (int, error)
	ReadTimeout(data []byte, timeout time.Duration) (int, error)
	SetParity(parity portio.Parity) (previous portio.Parity, err error)
}

// State is the engine's position in its §4.3.2 state machine.
type State int

const (
	StateIdle State = iota
	StateSynced
	StateEnumerated
	StateClosed
)

// Engine drives the bootloader protocol over a Wire. It is not safe for
// concurrent use; callers serialize access via the pause gate (spec.md
// §4.4/§5).
type Engine struct {
	wire  Wire
	log   *logrus.Logger
	state State

	BootloaderVersion byte
	Commands          []byte
	ExtendedErase     bool
	ChipID            uint16
}

// NewEngine constructs an Engine bound to wire. A nil logger falls back to
// logrus's standard logger.
func NewEngine(wire Wire, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{wire: wire, log: log, state: StateIdle}
}

// State returns the engine's current protocol state.
func (e *Engine) State() State { return e.state }

// Close transitions the engine to Closed. It does not touch the
// underlying Wire; BootloaderSession owns parity restoration.
func (e *Engine) Close() {
	e.state = StateClosed
}

func xorChecksum(data []byte) byte {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return c
}

func (e *Engine) sendCommand(cmd byte) error {
	_, err := e.wire.Write([]byte{cmd, cmd ^ 0xFF})
	if err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "send_command", err)
	}
	return nil
}

func (e *Engine) readByte(timeout time.Duration) (byte, error) {
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for {
		n, err := e.wire.ReadTimeout(buf, timeout)
		if err != nil {
			if time.Now().After(deadline) {
				return 0, bootloaderrors.New(bootloaderrors.Timeout, "read_byte", "timed out waiting for byte")
			}
			continue
		}
		if n > 0 {
			return buf[0], nil
		}
		if time.Now().After(deadline) {
			return 0, bootloaderrors.New(bootloaderrors.Timeout, "read_byte", "timed out waiting for byte")
		}
	}
}

func (e *Engine) waitAck(timeout time.Duration) (bool, error) {
	b, err := e.readByte(timeout)
	if err != nil {
		return false, err
	}
	switch b {
	case ack:
		return true, nil
	case nack:
		return false, nil
	default:
		return false, bootloaderrors.New(bootloaderrors.ProtocolError, "wait_ack", "unexpected response byte")
	}
}

func (e *Engine) requireAck(op string, timeout time.Duration) error {
	ok, err := e.waitAck(timeout)
	if err != nil {
		return err
	}
	if !ok {
		return bootloaderrors.New(bootloaderrors.ProtocolError, op, "command not acknowledged")
	}
	return nil
}

func (e *Engine) readBytes(n int, timeout time.Duration) ([]byte, error) {
	data := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, n)
	for len(data) < n {
		if time.Now().After(deadline) {
			return nil, bootloaderrors.New(bootloaderrors.Timeout, "read_bytes", "timed out reading data")
		}
		got, err := e.wire.ReadTimeout(buf[:n-len(data)], timeout)
		if err != nil {
			continue
		}
		data = append(data, buf[:got]...)
	}
	return data, nil
}

// requireState returns an error if the engine isn't in at least minState.
func (e *Engine) requireState(op string, minState State) error {
	if e.state == StateClosed {
		return bootloaderrors.New(bootloaderrors.NotConnected, op, "bootloader session is closed")
	}
	if e.state < minState {
		msg := "bootloader not yet synced"
		if e.state == StateSynced {
			msg = "bootloader commands not yet enumerated"
		}
		return bootloaderrors.New(bootloaderrors.ProtocolError, op, msg)
	}
	return nil
}

// Sync synchronizes with the bootloader by sending the sync byte 0x7F and
// waiting up to 2s for ACK. It reports success/failure, not an error: a
// NACK or timeout means "not in bootloader mode" and the caller may retry
// Sync freely (spec.md §4.3.1, §4.3.2).
func (e *Engine) Sync() (bool, error) {
	if e.state == StateClosed {
		return false, bootloaderrors.New(bootloaderrors.NotConnected, "sync", "bootloader session is closed")
	}
	if flusher, ok := e.wire.(interface{ Flush(portio.Queue) error }); ok {
		_ = flusher.Flush(portio.QueueBoth)
	}
	if _, err := e.wire.Write([]byte{0x7F}); err != nil {
		return false, bootloaderrors.Wrap(bootloaderrors.IoError, "sync", err)
	}
	ok, err := e.waitAck(timeoutSync)
	if err != nil {
		if be, is := err.(*bootloaderrors.Error); is && be.Kind == bootloaderrors.Timeout {
			return false, nil
		}
		return false, err
	}
	if ok {
		e.state = StateSynced
	}
	return ok, nil
}

// Get issues the GET command, recording the bootloader version and
// supported opcode list, and deriving ExtendedErase. Required before any
// operational call that depends on knowing ExtendedErase (spec.md
// §4.3.2).
func (e *Engine) Get() error {
	if err := e.requireState("get", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdGet); err != nil {
		return err
	}
	if err := e.requireAck("get", timeoutDefault); err != nil {
		return err
	}
	n, err := e.readByte(timeoutDefault)
	if err != nil {
		return err
	}
	version, err := e.readByte(timeoutDefault)
	if err != nil {
		return err
	}
	commands, err := e.readBytes(int(n), timeoutDefault)
	if err != nil {
		return err
	}
	if err := e.requireAck("get", timeoutDefault); err != nil {
		return err
	}
	e.BootloaderVersion = version
	e.Commands = commands
	e.ExtendedErase = containsByte(commands, cmdExtendedErase)
	e.state = StateEnumerated
	return nil
}

func containsByte(haystack []byte, needle byte) bool {
	for _, b := range haystack {
		if b == needle {
			return true
		}
	}
	return false
}

// GetVersion issues the GET VERSION command and returns the packed
// major.minor version byte. The two option bytes are read and discarded.
func (e *Engine) GetVersion() (byte, error) {
	if err := e.requireState("get_version", StateSynced); err != nil {
		return 0, err
	}
	if err := e.sendCommand(cmdGetVersion); err != nil {
		return 0, err
	}
	if err := e.requireAck("get_version", timeoutDefault); err != nil {
		return 0, err
	}
	version, err := e.readByte(timeoutDefault)
	if err != nil {
		return 0, err
	}
	if _, err := e.readByte(timeoutDefault); err != nil {
		return 0, err
	}
	if _, err := e.readByte(timeoutDefault); err != nil {
		return 0, err
	}
	if err := e.requireAck("get_version", timeoutDefault); err != nil {
		return 0, err
	}
	return version, nil
}

// GetID issues the GET ID command and returns the 12-bit chip identifier.
func (e *Engine) GetID() (uint16, error) {
	if err := e.requireState("get_id", StateSynced); err != nil {
		return 0, err
	}
	if err := e.sendCommand(cmdGetID); err != nil {
		return 0, err
	}
	if err := e.requireAck("get_id", timeoutDefault); err != nil {
		return 0, err
	}
	n, err := e.readByte(timeoutDefault)
	if err != nil {
		return 0, err
	}
	idBytes, err := e.readBytes(int(n)+1, timeoutDefault)
	if err != nil {
		return 0, err
	}
	if err := e.requireAck("get_id", timeoutDefault); err != nil {
		return 0, err
	}
	var id uint16
	if len(idBytes) >= 2 {
		id = uint16(idBytes[0])<<8 | uint16(idBytes[1])
	} else if len(idBytes) == 1 {
		id = uint16(idBytes[0])
	}
	e.ChipID = id
	return id, nil
}

func (e *Engine) sendAddress(addr uint32) error {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf, addr)
	buf[4] = xorChecksum(buf[:4])
	_, err := e.wire.Write(buf)
	if err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "send_address", err)
	}
	return nil
}

// ReadMemory reads length bytes (1..256) starting at addr.
func (e *Engine) ReadMemory(addr uint32, length int) ([]byte, error) {
	if err := e.requireState("read_memory", StateSynced); err != nil {
		return nil, err
	}
	if length < 1 || length > MaxReadLength {
		return nil, bootloaderrors.New(bootloaderrors.InvalidArgument, "read_memory", "length must be 1-256")
	}
	if err := e.sendCommand(cmdReadMemory); err != nil {
		return nil, err
	}
	if err := e.requireAck("read_memory", timeoutDefault); err != nil {
		return nil, err
	}
	if err := e.sendAddress(addr); err != nil {
		return nil, err
	}
	if err := e.requireAck("read_memory", timeoutDefault); err != nil {
		return nil, err
	}
	n := byte(length - 1)
	if _, err := e.wire.Write([]byte{n, n ^ 0xFF}); err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "read_memory", err)
	}
	if err := e.requireAck("read_memory", timeoutDefault); err != nil {
		return nil, err
	}
	return e.readBytes(length, timeoutReadData)
}

// WriteMemory writes 1..256 bytes to addr, right-padding to a multiple of
// 4 with 0xFF. Unaligned addresses are permitted but logged as a warning.
func (e *Engine) WriteMemory(addr uint32, data []byte) error {
	if err := e.requireState("write_memory", StateSynced); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > MaxWriteLength {
		return bootloaderrors.New(bootloaderrors.InvalidArgument, "write_memory", "payload must be 1-256 bytes")
	}
	if addr%4 != 0 {
		e.log.Warnf("write_memory: address 0x%08X is not 4-byte aligned", addr)
	}
	if err := e.sendCommand(cmdWriteMemory); err != nil {
		return err
	}
	if err := e.requireAck("write_memory", timeoutDefault); err != nil {
		return err
	}
	if err := e.sendAddress(addr); err != nil {
		return err
	}
	if err := e.requireAck("write_memory", timeoutDefault); err != nil {
		return err
	}

	padded := make([]byte, len(data))
	copy(padded, data)
	for len(padded)%4 != 0 {
		padded = append(padded, 0xFF)
	}

	frame := make([]byte, 0, 2+len(padded))
	n := byte(len(padded) - 1)
	frame = append(frame, n)
	frame = append(frame, padded...)
	frame = append(frame, n^xorChecksum(padded))

	if _, err := e.wire.Write(frame); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "write_memory", err)
	}
	return e.requireAck("write_memory", timeoutWrite)
}

// EraseAll performs a global/mass erase, dispatching to the standard or
// extended form depending on the enumerated command set.
func (e *Engine) EraseAll() error {
	if err := e.requireState("erase_all", StateEnumerated); err != nil {
		return err
	}
	if e.ExtendedErase {
		return e.extendedEraseAll()
	}
	return e.standardEraseAll()
}

func (e *Engine) standardEraseAll() error {
	if err := e.sendCommand(cmdErase); err != nil {
		return err
	}
	if err := e.requireAck("erase_all", timeoutDefault); err != nil {
		return err
	}
	if _, err := e.wire.Write([]byte{0xFF, 0x00}); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "erase_all", err)
	}
	return e.requireAck("erase_all", timeoutEraseStandard)
}

func (e *Engine) extendedEraseAll() error {
	if err := e.sendCommand(cmdExtendedErase); err != nil {
		return err
	}
	if err := e.requireAck("erase_all", timeoutDefault); err != nil {
		return err
	}
	if _, err := e.wire.Write([]byte{0xFF, 0xFF, 0x00}); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "erase_all", err)
	}
	return e.requireAck("erase_all", timeoutEraseExtended)
}

// ErasePages erases the given page indices, dispatching to the standard
// (8-bit page numbers) or extended (16-bit page numbers) wire form
// depending on the enumerated command set.
func (e *Engine) ErasePages(pages []byte) error {
	if err := e.requireState("erase_pages", StateEnumerated); err != nil {
		return err
	}
	if len(pages) == 0 {
		return bootloaderrors.New(bootloaderrors.InvalidArgument, "erase_pages", "page list must not be empty")
	}
	if e.ExtendedErase {
		return e.extendedErasePages(pages)
	}
	return e.standardErasePages(pages)
}

func (e *Engine) standardErasePages(pages []byte) error {
	if err := e.sendCommand(cmdErase); err != nil {
		return err
	}
	if err := e.requireAck("erase_pages", timeoutDefault); err != nil {
		return err
	}
	n := byte(len(pages) - 1)
	frame := make([]byte, 0, 2+len(pages))
	frame = append(frame, n)
	frame = append(frame, pages...)
	frame = append(frame, n^xorChecksum(pages))
	if _, err := e.wire.Write(frame); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "erase_pages", err)
	}
	return e.requireAck("erase_pages", timeoutEraseStandard)
}

func (e *Engine) extendedErasePages(pages []byte) error {
	if err := e.sendCommand(cmdExtendedErase); err != nil {
		return err
	}
	if err := e.requireAck("erase_pages", timeoutDefault); err != nil {
		return err
	}
	body := make([]byte, 2+2*len(pages))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(pages)-1))
	for i, p := range pages {
		binary.BigEndian.PutUint16(body[2+2*i:4+2*i], uint16(p))
	}
	frame := append(body, xorChecksum(body))
	if _, err := e.wire.Write(frame); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.IoError, "erase_pages", err)
	}
	return e.requireAck("erase_pages", timeoutEraseStandard)
}

// Go jumps to addr and begins execution. Further I/O on the wire is
// meaningless until the next reset; a post-Go NACK is reported to the
// caller as a ProtocolError and a missing post-Go ACK as a Timeout, so
// orchestrator-level code can treat either as a warning per spec.md §7.
func (e *Engine) Go(addr uint32) error {
	if err := e.requireState("go", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdGo); err != nil {
		return err
	}
	if err := e.requireAck("go", timeoutDefault); err != nil {
		return err
	}
	if err := e.sendAddress(addr); err != nil {
		return err
	}
	return e.requireAck("go", timeoutDefault)
}

// WriteUnprotect removes write protection. Two ACKs are expected, the
// second within 10s.
func (e *Engine) WriteUnprotect() error {
	if err := e.requireState("write_unprotect", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdWriteUnprotect); err != nil {
		return err
	}
	if err := e.requireAck("write_unprotect", timeoutDefault); err != nil {
		return err
	}
	return e.requireAck("write_unprotect", timeoutWriteUnprotect)
}

// ReadoutUnprotect removes readout protection. This resets the MCU and
// erases flash as a side effect (spec.md §4.3.1); two ACKs are expected,
// the second within 30s.
func (e *Engine) ReadoutUnprotect() error {
	if err := e.requireState("readout_unprotect", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdReadoutUnprotect); err != nil {
		return err
	}
	if err := e.requireAck("readout_unprotect", timeoutDefault); err != nil {
		return err
	}
	return e.requireAck("readout_unprotect", timeoutReadoutUnprotect)
}

// WriteProtect and ReadoutProtect are engine-level primitives for the two
// remaining documented opcodes (0x63, 0x82). No orchestrator workflow
// calls them (spec.md's Non-goals exclude option-byte/read-protection
// workflows); they exist so the full discovered command repertoire has a
// corresponding engine method.
func (e *Engine) WriteProtect() error {
	if err := e.requireState("write_protect", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdWriteProtect); err != nil {
		return err
	}
	if err := e.requireAck("write_protect", timeoutDefault); err != nil {
		return err
	}
	return e.requireAck("write_protect", timeoutWriteUnprotect)
}

func (e *Engine) ReadoutProtect() error {
	if err := e.requireState("readout_protect", StateSynced); err != nil {
		return err
	}
	if err := e.sendCommand(cmdReadoutProtect); err != nil {
		return err
	}
	if err := e.requireAck("readout_protect", timeoutDefault); err != nil {
		return err
	}
	return e.requireAck("readout_protect", timeoutReadoutUnprotect)
}
