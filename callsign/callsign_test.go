package callsign_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/packetserver-io/packetserver/callsign"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain base", "W1AW", true},
		{"digit in base", "K9ABC", true},
		{"max ssid", "M0XYZ-15", true},
		{"ssid zero", "W1AW-0", true},
		{"single letter", "K", true},
		{"leading digit", "1ABC", false},
		{"dangling dash", "W1AW-", false},
		{"ssid too large", "W1AW-16", false},
		{"lowercase", "w1aw", false},
		{"base too long", "ABC1234", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"trimmed input accepted", " W1AW ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, callsign.Valid(tt.in), "Valid(%q)", tt.in)
		})
	}
}

func TestValidBase(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", "W1AW", true},
		{"lowercase folded", "w1aw", true},
		{"ssid stripped first", "KQ4PEC-7", true},
		{"leading digit", "1ABC", false},
		{"too long", "ABC1234", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, callsign.ValidBase(tt.in), "ValidBase(%q)", tt.in)
		})
	}
}

func TestBase(t *testing.T) {
	assert.Equal(t, "KQ4PEC", callsign.Base("kq4pec-7"))
	assert.Equal(t, "W1AW", callsign.Base(" W1AW "))
	assert.Equal(t, "M0XYZ", callsign.Base("M0XYZ-15"))
	assert.Equal(t, "N0CALL", callsign.Base("N0CALL"))
}

func TestSSID(t *testing.T) {
	assert.Equal(t, 15, callsign.SSID("M0XYZ-15"))
	assert.Equal(t, 7, callsign.SSID("kq4pec-7"))
	assert.Equal(t, 0, callsign.SSID("W1AW"))
	assert.Equal(t, 0, callsign.SSID("W1AW-0"))
}
