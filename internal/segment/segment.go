// Package segment defines the canonical contiguous-memory-image form that
// the firmware parser produces and the flash orchestrator consumes.
package segment

import "fmt"

// Segment is a contiguous run of firmware bytes starting at Address. Within
// a Segment, byte i occupies Address+i; Data is never empty.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the address one past the last byte of the segment.
func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

// Size returns the total byte count across an ordered sequence of segments.
func Size(segments []Segment) int {
	total := 0
	for _, s := range segments {
		total += len(s.Data)
	}
	return total
}

// Validate checks the §3 invariant: segments are ordered, non-empty, and
// their address ranges strictly advance without overlap.
func Validate(segments []Segment) error {
	var prevEnd uint32
	havePrev := false
	for i, s := range segments {
		if len(s.Data) == 0 {
			return fmt.Errorf("segment %d at 0x%08X is empty", i, s.Address)
		}
		if havePrev && s.Address < prevEnd {
			return fmt.Errorf("segment %d at 0x%08X overlaps previous segment ending at 0x%08X", i, s.Address, prevEnd)
		}
		prevEnd = s.End()
		havePrev = true
	}
	return nil
}

// Builder accumulates data records into an ordered, coalesced segment list,
// closing the currently open segment whenever a new record is not
// contiguous with it. This is the shared core of the Intel HEX decoder's
// "append or close-and-start" rule (spec.md §4.1).
type Builder struct {
	segments []Segment
	open     *Segment
}

// Append extends the open segment if addr is contiguous with it, otherwise
// closes the open segment (if any) and starts a new one at addr.
func (b *Builder) Append(addr uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	if b.open != nil && addr == b.open.End() {
		b.open.Data = append(b.open.Data, data...)
		return
	}
	b.Close()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.open = &Segment{Address: addr, Data: cp}
}

// Close finalizes the currently open segment, if any, appending it to the
// result list.
func (b *Builder) Close() {
	if b.open != nil {
		b.segments = append(b.segments, *b.open)
		b.open = nil
	}
}

// Segments returns the accumulated segments. Close must be called first to
// flush any segment still open.
func (b *Builder) Segments() []Segment {
	return b.segments
}
