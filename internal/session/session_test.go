package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kaerke/stm32boot/internal/bootloaderrors"
)

func TestDecodeTextDropsNonAsciiAndControlBytes(t *testing.T) {
	buf := []byte{'h', 'i', 0x00, 0x1b, 0xC3, 0xA9, '\t', '\n', '\r', 'x'}
	assert.Equal(t, "hi\t\n\rx", decodeText(buf))
}

func TestSplitLinesTrimsCarriageReturn(t *testing.T) {
	lines := splitLines("one\r\ntwo\nthree")
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestLastNewline(t *testing.T) {
	assert.Equal(t, 3, lastNewline("abc\ndef\n"[:4]))
	assert.Equal(t, -1, lastNewline("no newline here"))
}

func TestContainsByte(t *testing.T) {
	assert.True(t, contains([]byte("line\n"), '\n'))
	assert.False(t, contains([]byte("line"), '\n'))
}

func TestSessionStatsStartAtZero(t *testing.T) {
	s := New(nil, nil)
	rx, tx := s.Stats()
	assert.Equal(t, uint64(0), rx)
	assert.Equal(t, uint64(0), tx)
}

func TestSendWithoutConnectionReturnsNotConnected(t *testing.T) {
	s := New(nil, nil)
	err := s.Send([]byte("hi"))
	assert.ErrorIs(t, err, bootloaderrors.Sentinel(bootloaderrors.NotConnected))
}

func TestPortWithoutConnectionIsNil(t *testing.T) {
	s := New(nil, nil)
	assert.Nil(t, s.Port())
}

func TestTimestampPrefixEmptyWhenDisabled(t *testing.T) {
	assert.Equal(t, "", timestampPrefix(time.Now(), false))
}

func TestTimestampPrefixFormatWhenEnabled(t *testing.T) {
	ts := time.Date(2026, 7, 30, 9, 5, 3, 0, time.UTC)
	assert.Equal(t, "[09:05:03.000] ", timestampPrefix(ts, true))
}
