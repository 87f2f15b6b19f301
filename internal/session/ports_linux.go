//go:build linux

package session

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// candidatePrefixes are the device-node name prefixes spec.md §6's
// list_ports/available_ports enumerate, mirroring what pyserial's
// list_ports.comports() surfaces on Linux (USB-serial adapters, USB CDC
// ACM devices, and platform UARTs).
var candidatePrefixes = []string{"ttyUSB", "ttyACM", "ttyS"}

func listPorts() ([]string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, err
	}
	var ports []string
	for _, entry := range entries {
		name := entry.Name()
		for _, prefix := range candidatePrefixes {
			if strings.HasPrefix(name, prefix) {
				ports = append(ports, filepath.Join("/dev", name))
				break
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}
