package bootproto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaerke/stm32boot/internal/portio"
)

// fakeWire is an in-memory stand-in for a *portio.Port: tx accumulates
// everything the engine writes, rx is pre-loaded with everything the
// engine is expected to read. This is the in-memory fake recorded in
// DESIGN.md's "Dropped / adapted teacher code" entry for pty_linux.go.
type fakeWire struct {
	tx     bytes.Buffer
	rx     []byte
	parity portio.Parity
}

func (f *fakeWire) Write(data []byte) (int, error) {
	f.tx.Write(data)
	return len(data), nil
}

func (f *fakeWire) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	if len(f.rx) == 0 {
		return 0, errTimeoutStub{}
	}
	n := copy(data, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeWire) SetParity(p portio.Parity) (portio.Parity, error) {
	prev := f.parity
	f.parity = p
	return prev, nil
}

type errTimeoutStub struct{}

func (errTimeoutStub) Error() string { return "no data available" }

func TestSyncSuccess(t *testing.T) {
	w := &fakeWire{rx: []byte{ack}}
	e := NewEngine(w, nil)

	ok, err := e.Sync()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateSynced, e.State())
	assert.Equal(t, []byte{0x7F}, w.tx.Bytes())
}

func TestSyncNack(t *testing.T) {
	w := &fakeWire{rx: []byte{nack}}
	e := NewEngine(w, nil)

	ok, err := e.Sync()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, e.State())
}

func TestGetPopulatesCommandsAndExtendedErase(t *testing.T) {
	w := &fakeWire{rx: []byte{ack}}
	e := NewEngine(w, nil)
	_, err := e.Sync()
	require.NoError(t, err)

	commands := []byte{cmdGet, cmdGetVersion, cmdGetID, cmdReadMemory, cmdGo, cmdWriteMemory, cmdErase, cmdExtendedErase}
	w.rx = append([]byte{ack, byte(len(commands)), 0x31}, commands...)
	w.rx = append(w.rx, ack)

	require.NoError(t, e.Get())
	assert.Equal(t, byte(0x31), e.BootloaderVersion)
	assert.Equal(t, commands, e.Commands)
	assert.True(t, e.ExtendedErase)
	assert.Equal(t, StateEnumerated, e.State())
}

func TestGetIdDecodesTwoByteId(t *testing.T) {
	w := &fakeWire{rx: []byte{ack}}
	e := NewEngine(w, nil)
	_, _ = e.Sync()
	e.state = StateSynced

	w.rx = []byte{ack, 0x01, 0x04, 0x10, ack}
	id, err := e.GetID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0410), id)
}

func TestReadMemorySendsAddressChecksumAndLengthFrame(t *testing.T) {
	w := &fakeWire{rx: []byte{ack}}
	e := NewEngine(w, nil)
	_, _ = e.Sync()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	w.rx = append([]byte{ack, ack, ack}, payload...)

	data, err := e.ReadMemory(0x08000000, 4)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	sent := w.tx.Bytes()
	assert.Equal(t, byte(cmdReadMemory), sent[0])
	assert.Equal(t, byte(cmdReadMemory^0xFF), sent[1])
	// address frame: 08 00 00 00, checksum = XOR of those 4 bytes
	assert.Equal(t, []byte{0x08, 0x00, 0x00, 0x00, 0x08}, sent[2:7])
	// length frame: N-1 = 3, complement 0xFC
	assert.Equal(t, []byte{0x03, 0xFC}, sent[7:9])
}

func TestReadMemoryRejectsOutOfRangeLength(t *testing.T) {
	w := &fakeWire{}
	e := NewEngine(w, nil)
	e.state = StateSynced
	_, err := e.ReadMemory(0, 0)
	assert.Error(t, err)
	_, err = e.ReadMemory(0, 257)
	assert.Error(t, err)
}

func TestWriteMemoryPadsToMultipleOfFourAndChecksums(t *testing.T) {
	w := &fakeWire{rx: []byte{ack, ack, ack}}
	e := NewEngine(w, nil)
	e.state = StateSynced

	require.NoError(t, e.WriteMemory(0x08000000, []byte{0x01, 0x02, 0x03}))

	sent := w.tx.Bytes()
	// skip cmd(2) + address+checksum(5)
	frame := sent[7:]
	assert.Equal(t, byte(3), frame[0]) // N-1 = 4-1
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0xFF}, frame[1:5])
}

func TestEraseAllDispatchesToExtendedWhenSupported(t *testing.T) {
	w := &fakeWire{rx: []byte{ack, ack}}
	e := NewEngine(w, nil)
	e.state = StateEnumerated
	e.ExtendedErase = true

	require.NoError(t, e.EraseAll())
	sent := w.tx.Bytes()
	assert.Equal(t, byte(cmdExtendedErase), sent[0])
	assert.Equal(t, []byte{0xFF, 0xFF, 0x00}, sent[2:5])
}

func TestEraseAllDispatchesToStandardWhenUnsupported(t *testing.T) {
	w := &fakeWire{rx: []byte{ack, ack}}
	e := NewEngine(w, nil)
	e.state = StateEnumerated
	e.ExtendedErase = false

	require.NoError(t, e.EraseAll())
	sent := w.tx.Bytes()
	assert.Equal(t, byte(cmdErase), sent[0])
	assert.Equal(t, []byte{0xFF, 0x00}, sent[2:4])
}

func TestOperationalCommandRequiresSync(t *testing.T) {
	w := &fakeWire{}
	e := NewEngine(w, nil)
	_, err := e.GetID()
	assert.Error(t, err)
}

func TestEraseRequiresEnumeration(t *testing.T) {
	w := &fakeWire{}
	e := NewEngine(w, nil)
	e.state = StateSynced
	assert.Error(t, e.EraseAll())
}

func TestClosedEngineRejectsCommands(t *testing.T) {
	w := &fakeWire{}
	e := NewEngine(w, nil)
	e.Close()
	_, err := e.Sync()
	assert.Error(t, err)
}

func TestBootloaderSessionRestoresPriorParityOnClose(t *testing.T) {
	w := &fakeWire{parity: portio.ParityNone}
	sess, err := EnterBootloaderSession(w, nil)
	require.NoError(t, err)
	assert.Equal(t, portio.ParityEven, w.parity)

	require.NoError(t, sess.Close())
	assert.Equal(t, portio.ParityNone, w.parity)
}

func TestBootloaderSessionCloseIsIdempotent(t *testing.T) {
	w := &fakeWire{}
	sess, err := EnterBootloaderSession(w, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}

func TestEnterBootloaderSessionRejectsNilWire(t *testing.T) {
	_, err := EnterBootloaderSession(nil, nil)
	assert.Error(t, err)
}
