// Package flasher implements the high-level flashing workflows spec.md
// §4.5 describes: chip_info, erase, flash, verify, read_memory, go, plus
// the supplemented erase_pages/write_unprotect/readout_unprotect
// workflows. It is grounded on original_source's flash_commands.py.
package flasher

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
	"github.com/kaerke/stm32boot/internal/bootproto"
	"github.com/kaerke/stm32boot/internal/chip"
	"github.com/kaerke/stm32boot/internal/hexfile"
	"github.com/kaerke/stm32boot/internal/segment"
	"github.com/kaerke/stm32boot/internal/session"
)

// VerifyChunkSize and the retry budget mirror flash_commands.py's
// per-chunk write/verify loop.
const (
	VerifyChunkSize = 256
	maxWriteRetries = 3
	maxReadRetries  = 3
	retryDelay      = 100 * time.Millisecond
)

// Progress reports byte-level progress during a flash/verify pass so a
// caller (e.g. the CLI) can render a progress bar without the orchestrator
// knowing about presentation.
type Progress struct {
	Phase string // "write" or "verify"
	Done  int
	Total int
}

// PortSession is the subset of session.Session the orchestrator needs:
// pause the background reader and hand over the raw wire.
type PortSession interface {
	Pause()
	Resume()
	Port() bootproto.Wire
}

// sessionAdapter lets a *session.Session satisfy PortSession: its Port
// method returns a concrete *portio.Port (so other session callers keep
// the full Port API), so the adapter narrows that to the bootproto.Wire
// interface the orchestrator needs.
type sessionAdapter struct {
	*session.Session
}

func (a sessionAdapter) Port() bootproto.Wire {
	p := a.Session.Port()
	if p == nil {
		return nil
	}
	return p
}

// NewSessionAdapter wraps s so it satisfies PortSession.
func NewSessionAdapter(s *session.Session) PortSession {
	return sessionAdapter{s}
}

// ChipInfo is the discovery result of a chip_info workflow.
type ChipInfo struct {
	ChipID            uint16
	ChipName          string
	BootloaderVersion byte
	ExtendedErase     bool
	Commands          []byte
}

// Orchestrator drives the full flash/verify/erase/go workflows on top of a
// bootproto.Engine, serializing access to the port via a PortSession's
// pause gate (spec.md §4.4/§5).
type Orchestrator struct {
	session  PortSession
	log      *logrus.Logger
	progress func(Progress)
}

// New constructs an Orchestrator. progress may be nil to disable
// progress callbacks. A nil logger falls back to logrus's standard
// logger.
func New(session PortSession, log *logrus.Logger, progress func(Progress)) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{session: session, log: log, progress: progress}
}

func (o *Orchestrator) withSession(fn func(*bootproto.BootloaderSession) error) error {
	o.session.Pause()
	defer o.session.Resume()

	sess, err := bootproto.EnterBootloaderSession(o.session.Port(), o.log)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !syncEngine(sess.Engine) {
		return bootloaderrors.New(bootloaderrors.ProtocolError, "sync", "failed to sync with bootloader; check BOOT0 and wiring")
	}
	if err := sess.Engine.Get(); err != nil {
		return err
	}
	return fn(sess)
}

func syncEngine(e *bootproto.Engine) bool {
	ok, err := e.Sync()
	if err != nil {
		return false
	}
	return ok
}

// ChipInfo performs the chip_info workflow: sync, enumerate commands,
// read the chip ID.
func (o *Orchestrator) ChipInfo() (*ChipInfo, error) {
	var info ChipInfo
	err := o.withSession(func(sess *bootproto.BootloaderSession) error {
		id, err := sess.Engine.GetID()
		if err != nil {
			return err
		}
		info = ChipInfo{
			ChipID:            id,
			ChipName:          chip.Name(id),
			BootloaderVersion: sess.Engine.BootloaderVersion,
			ExtendedErase:     sess.Engine.ExtendedErase,
			Commands:          sess.Engine.Commands,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Erase performs a full chip erase.
func (o *Orchestrator) Erase() error {
	return o.withSession(func(sess *bootproto.BootloaderSession) error {
		return sess.Engine.EraseAll()
	})
}

// ErasePages erases the given page indices.
func (o *Orchestrator) ErasePages(pages []byte) error {
	return o.withSession(func(sess *bootproto.BootloaderSession) error {
		return sess.Engine.ErasePages(pages)
	})
}

// Go jumps to addr and begins execution. A missing post-jump ACK is
// logged as a warning, not returned as an error: some devices never ack a
// successful GO because execution has already begun
// (flash_commands.py's `cmd_go`/`flash_firmware` treat this the same way).
func (o *Orchestrator) Go(addr uint32) error {
	return o.withSession(func(sess *bootproto.BootloaderSession) error {
		if err := sess.Engine.Go(addr); err != nil {
			o.log.Warnf("go: no acknowledgment after jumping to 0x%08X (%v); this is normal on some devices", addr, err)
		}
		return nil
	})
}

// WriteUnprotect removes write protection.
func (o *Orchestrator) WriteUnprotect() error {
	return o.withSession(func(sess *bootproto.BootloaderSession) error {
		return sess.Engine.WriteUnprotect()
	})
}

// ReadoutUnprotect removes readout protection. This mass-erases flash as
// a side effect.
func (o *Orchestrator) ReadoutUnprotect() error {
	return o.withSession(func(sess *bootproto.BootloaderSession) error {
		return sess.Engine.ReadoutUnprotect()
	})
}

// ReadMemory reads length bytes starting at addr, chunked to the
// protocol's 256-byte transaction limit.
func (o *Orchestrator) ReadMemory(addr uint32, length int) ([]byte, error) {
	var data []byte
	err := o.withSession(func(sess *bootproto.BootloaderSession) error {
		data = make([]byte, 0, length)
		offset := 0
		for offset < length {
			chunkSize := length - offset
			if chunkSize > bootproto.MaxReadLength {
				chunkSize = bootproto.MaxReadLength
			}
			chunk, err := sess.Engine.ReadMemory(addr+uint32(offset), chunkSize)
			if err != nil {
				return err
			}
			data = append(data, chunk...)
			offset += chunkSize
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Flash parses path (an Intel HEX or raw binary image), optionally erases
// the chip, writes every segment, optionally verifies it, and optionally
// jumps to the first segment's address (spec.md §4.5 flash workflow,
// grounded on flash_commands.py's flash_firmware).
func (o *Orchestrator) Flash(path string, startAddress uint32, erase, verify, goAfter bool) error {
	if _, err := os.Stat(path); err != nil {
		return bootloaderrors.Wrap(bootloaderrors.FileNotFound, "flash", err)
	}

	segments, err := hexfile.Parse(path, startAddress)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return bootloaderrors.New(bootloaderrors.ParseError, "flash", "firmware file contains no data")
	}
	totalSize := segment.Size(segments)

	err = o.withSession(func(sess *bootproto.BootloaderSession) error {
		if _, err := sess.Engine.GetID(); err != nil {
			o.log.Warnf("get_id: %v; continuing without chip identification", err)
		}

		if erase {
			o.log.Info("erasing flash memory")
			if err := sess.Engine.EraseAll(); err != nil {
				return bootloaderrors.Wrap(bootloaderrors.IoError, "flash.erase", err)
			}
		}

		if err := o.writeSegments(sess.Engine, segments, totalSize); err != nil {
			return err
		}

		if verify {
			if err := o.verifySegments(sess.Engine, segments, totalSize); err != nil {
				return err
			}
		}

		if goAfter {
			jumpAddr := segments[0].Address
			if err := sess.Engine.Go(jumpAddr); err != nil {
				o.log.Warnf("go: no acknowledgment after jumping to 0x%08X (%v); this is normal on some devices", jumpAddr, err)
			}
		}
		return nil
	})
	return err
}

func (o *Orchestrator) writeSegments(e *bootproto.Engine, segments []segment.Segment, totalSize int) error {
	written := 0
	for _, seg := range segments {
		offset := 0
		for offset < len(seg.Data) {
			chunkSize := len(seg.Data) - offset
			if chunkSize > bootproto.MaxWriteLength {
				chunkSize = bootproto.MaxWriteLength
			}
			chunk := seg.Data[offset : offset+chunkSize]

			var writeErr error
			for attempt := 0; attempt < maxWriteRetries; attempt++ {
				if writeErr = e.WriteMemory(seg.Address+uint32(offset), chunk); writeErr == nil {
					break
				}
				time.Sleep(retryDelay)
			}
			if writeErr != nil {
				return bootloaderrors.Wrap(bootloaderrors.IoError, "flash.write", writeErr)
			}

			written += chunkSize
			offset += chunkSize
			o.report(Progress{Phase: "write", Done: written, Total: totalSize})
		}
	}
	return nil
}

func (o *Orchestrator) verifySegments(e *bootproto.Engine, segments []segment.Segment, totalSize int) error {
	verified := 0
	for _, seg := range segments {
		offset := 0
		for offset < len(seg.Data) {
			chunkSize := len(seg.Data) - offset
			if chunkSize > VerifyChunkSize {
				chunkSize = VerifyChunkSize
			}
			expected := seg.Data[offset : offset+chunkSize]
			addr := seg.Address + uint32(offset)

			var actual []byte
			var readErr error
			for attempt := 0; attempt < maxReadRetries; attempt++ {
				actual, readErr = e.ReadMemory(addr, chunkSize)
				if readErr == nil {
					break
				}
				time.Sleep(retryDelay)
			}
			if readErr != nil {
				return bootloaderrors.Wrap(bootloaderrors.IoError, "flash.verify", readErr)
			}

			if !bytesEqual(actual, expected) {
				return mismatchError(addr, expected, actual)
			}

			verified += chunkSize
			offset += chunkSize
			o.report(Progress{Phase: "verify", Done: verified, Total: totalSize})
		}
	}
	return nil
}

func mismatchError(base uint32, expected, actual []byte) error {
	for i := range expected {
		if i >= len(actual) || expected[i] != actual[i] {
			var got byte
			if i < len(actual) {
				got = actual[i]
			}
			return &bootloaderrors.VerificationError{Address: base + uint32(i), Expected: expected[i], Actual: got}
		}
	}
	return &bootloaderrors.VerificationError{Address: base, Expected: 0, Actual: 0}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}
