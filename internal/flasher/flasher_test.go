package flasher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaerke/stm32boot/internal/bootproto"
	"github.com/kaerke/stm32boot/internal/portio"
)

// fakeWire is a scripted in-memory Wire, the same net.Pipe-free strategy
// bootproto's tests use (see DESIGN.md's pty_linux.go entry).
type fakeWire struct {
	rx     []byte
	parity portio.Parity
}

func (f *fakeWire) Write(data []byte) (int, error) { return len(data), nil }

func (f *fakeWire) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	if len(f.rx) == 0 {
		return 0, errNoData{}
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

type errNoData struct{}

func (errNoData) Error() string { return "no data" }

// fakePortSession satisfies PortSession directly, without going through a
// real session.Session.
type fakePortSession struct {
	wire bootproto.Wire
}

func (f *fakePortSession) Pause()               {}
func (f *fakePortSession) Resume()              {}
func (f *fakePortSession) Port() bootproto.Wire { return f.wire }

const ack = 0x79

func scriptedChipInfo(commands []byte) []byte {
	rx := []byte{ack}             // sync
	rx = append(rx, ack, byte(len(commands)), 0x20) // get
	rx = append(rx, commands...)
	rx = append(rx, ack)
	rx = append(rx, ack, 0x01, 0x04, 0x10, ack) // get_id
	return rx
}

func TestChipInfoWorkflow(t *testing.T) {
	commands := []byte{0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x43, 0x44}
	w := &fakeWire{rx: scriptedChipInfo(commands)}
	o := New(&fakePortSession{wire: w}, nil, nil)

	info, err := o.ChipInfo()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0410), info.ChipID)
	assert.True(t, info.ExtendedErase)
	assert.Equal(t, byte(0x20), info.BootloaderVersion)
}

func TestChipInfoFailsWhenNotConnected(t *testing.T) {
	o := New(&fakePortSession{wire: nil}, nil, nil)
	_, err := o.ChipInfo()
	assert.Error(t, err)
}

func TestFlashRejectsMissingFile(t *testing.T) {
	o := New(&fakePortSession{wire: &fakeWire{}}, nil, nil)
	err := o.Flash(filepath.Join(t.TempDir(), "missing.hex"), 0x08000000, true, true, true)
	assert.Error(t, err)
}

func TestFlashWritesVerifiesAndJumps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	rx := []byte{ack}                           // sync
	rx = append(rx, ack, 0x00, 0x20, ack)       // get: zero commands, not extended
	rx = append(rx, ack, 0x01, 0x04, 0x10, ack) // get_id (best-effort): cmd ack, id bytes, final ack
	rx = append(rx, ack, ack)                   // erase_all (standard): cmd ack, final ack
	rx = append(rx, ack, ack, ack)              // write_memory: cmd ack, addr ack, final ack
	rx = append(rx, ack, ack, ack)              // read_memory (verify): cmd ack, addr ack, length ack
	rx = append(rx, data...)                    // verify payload
	rx = append(rx, ack, ack)                   // go: cmd ack, final ack

	w := &fakeWire{rx: rx}
	o := New(&fakePortSession{wire: w}, nil, nil)

	err := o.Flash(path, 0x08000000, true, true, true)
	require.NoError(t, err)
}
