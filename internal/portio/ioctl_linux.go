//go:build linux

package portio

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

// ioctl request numbers, carried over from goserial's ioctl_linux.go.
var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcflsh = uintptr(0x540B)

	tiocmget = uintptr(0x5415)
	tiocmset = uintptr(0x5418)

	tiocgwinsz = uintptr(0x5413)
	tiocswinsz = uintptr(0x5414)

	tiocgptn    = ioctl.IOR('T', 0x30, unsafe.Sizeof(uint32(0)))
	tiocsptlck  = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))
	tiocgptpeer = ioctl.IO('T', 0x41)
)

// Queue selects which buffer Flush discards, per tcflush(3).
type Queue uint32

const (
	QueueInput Queue = iota
	QueueOutput
	QueueBoth
)
