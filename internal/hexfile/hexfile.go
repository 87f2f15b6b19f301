// Package hexfile decodes Intel HEX and raw binary firmware images into the
// canonical segment.Segment form (spec.md §4.1). It performs no I/O to an
// MCU and has no notion of flash-erase boundaries; it is a pure transform
// from file bytes to segments.
//
// Open question (spec.md §9): this decoder does not verify the per-record
// checksum byte, matching the reference implementation (original_source's
// hex_parser.py computes the payload from the hex digits but never checks
// the trailing checksum). A corrupt file with a bad checksum but
// well-formed field widths parses without error.
package hexfile

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
	"github.com/kaerke/stm32boot/internal/segment"
)

// Intel HEX record types this decoder recognizes.
const (
	recData                   = 0x00
	recEndOfFile              = 0x01
	recExtendedSegmentAddress = 0x02
	recStartSegmentAddress    = 0x03
	recExtendedLinearAddress  = 0x04
	recStartLinearAddress     = 0x05
)

// Format identifies the firmware file encoding, derived from the file's
// lowercase extension.
type Format int

const (
	FormatUnknown Format = iota
	FormatHex
	FormatBin
)

// FormatFromPath derives a Format from path's extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex":
		return FormatHex
	case ".bin":
		return FormatBin
	default:
		return FormatUnknown
	}
}

// Parse decodes the firmware file at path into an ordered sequence of
// segments. defaultBase is used only for raw binary files (it is ignored
// for .hex files, which carry their own addresses).
func Parse(path string, defaultBase uint32) ([]segment.Segment, error) {
	switch FormatFromPath(path) {
	case FormatHex:
		return ParseHexFile(path)
	case FormatBin:
		return ParseBinFile(path, defaultBase)
	default:
		return nil, bootloaderrors.New(bootloaderrors.InvalidArgument, "parse",
			fmt.Sprintf("unsupported file format: %s (use .hex or .bin)", filepath.Ext(path)))
	}
}

// ParseHexFile decodes an Intel HEX file into contiguous segments.
func ParseHexFile(path string) ([]segment.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bootloaderrors.Wrap(bootloaderrors.FileNotFound, "parse_hex", err)
		}
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "parse_hex", err)
	}
	defer f.Close()

	var b segment.Builder
	var base uint32
	lineNum := 0
	done := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() && !done {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			return nil, recordError(lineNum, "record must start with ':'")
		}
		if len(line) < 11 {
			return nil, recordError(lineNum, "record too short")
		}

		byteCount, err := strconv.ParseUint(line[1:3], 16, 8)
		if err != nil {
			return nil, recordError(lineNum, "invalid byte count")
		}
		offset, err := strconv.ParseUint(line[3:7], 16, 16)
		if err != nil {
			return nil, recordError(lineNum, "invalid load offset")
		}
		recType, err := strconv.ParseUint(line[7:9], 16, 8)
		if err != nil {
			return nil, recordError(lineNum, "invalid record type")
		}

		payloadEnd := 9 + int(byteCount)*2
		if len(line) < payloadEnd {
			return nil, recordError(lineNum, "record shorter than declared byte count")
		}
		data, err := hex.DecodeString(line[9:payloadEnd])
		if err != nil {
			return nil, recordError(lineNum, "invalid payload hex digits")
		}

		switch recType {
		case recData:
			b.Append(base+uint32(offset), data)
		case recEndOfFile:
			b.Close()
			done = true
		case recExtendedSegmentAddress:
			if len(data) < 2 {
				return nil, recordError(lineNum, "extended segment address record too short")
			}
			base = uint32(binary.BigEndian.Uint16(data)) * 16
		case recExtendedLinearAddress:
			if len(data) < 2 {
				return nil, recordError(lineNum, "extended linear address record too short")
			}
			base = uint32(binary.BigEndian.Uint16(data)) * 65536
		case recStartSegmentAddress, recStartLinearAddress:
			// Execution start address, not data; intentionally ignored.
		default:
			// Unrecognized record types are ignored silently per spec.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "parse_hex", err)
	}
	b.Close()

	segments := b.Segments()
	if err := segment.Validate(segments); err != nil {
		return nil, bootloaderrors.Wrap(bootloaderrors.ParseError, "parse_hex", err)
	}
	return segments, nil
}

// ParseBinFile wraps the entire file content in a single segment starting
// at startAddress.
func ParseBinFile(path string, startAddress uint32) ([]segment.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bootloaderrors.Wrap(bootloaderrors.FileNotFound, "parse_bin", err)
		}
		return nil, bootloaderrors.Wrap(bootloaderrors.IoError, "parse_bin", err)
	}
	if len(data) == 0 {
		return nil, bootloaderrors.New(bootloaderrors.ParseError, "parse_bin", "firmware file is empty")
	}
	return []segment.Segment{{Address: startAddress, Data: data}}, nil
}

func recordError(lineNum int, msg string) *bootloaderrors.Error {
	return bootloaderrors.New(bootloaderrors.ParseError, "parse_hex", fmt.Sprintf("line %d: %s", lineNum, msg))
}
