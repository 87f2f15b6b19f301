package chip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameKnownChip(t *testing.T) {
	assert.Equal(t, "STM32F401xB/C", Name(0x423))
}

func TestNameUnknownChip(t *testing.T) {
	assert.Equal(t, "Unknown (0xFFFF)", Name(0xFFFF))
}
