// Package config resolves the immutable, process-wide configuration for a
// single nrfdfu run from CLI flags.
package config

import (
	"encoding/hex"
	"strings"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
)

// Transport selects which physical transport drives the upgrade.
type Transport int

const (
	// Serial drives the target over a SLIP-framed UART.
	Serial Transport = iota
	// BLE drives the target over Bluetooth Low Energy GATT.
	BLE
)

// AddressType distinguishes BLE address kinds accepted by --atype.
type AddressType int

const (
	// AddressUnknown means --atype was not given; the BLE layer is free
	// to probe both kinds.
	AddressUnknown AddressType = iota
	AddressPublic
	AddressRandom
)

// DefaultSerialTimeoutTries is the number of ping attempts (at least 1s apart)
// before giving up on bootloader entry over serial. The upstream source
// carries two readings for this default (10 in one path, 60 in its own
// help text); nrfdfu documents 10 as the default and exposes it via
// --timeout (see DESIGN.md Open Question resolution).
const DefaultSerialTimeoutTries = 10

// DefaultBaud is the DFU bootloader's serial baud rate.
const DefaultBaud = 115200

// DefaultSerialPort is used when --port is not given.
const DefaultSerialPort = "/dev/ttyUSB0"

// DefaultBLEInterface is used when --intf is not given.
const DefaultBLEInterface = "hci0"

// Config is resolved once at startup from CLI flags and never mutated
// afterwards.
type Config struct {
	Transport Transport

	// Serial fields.
	SerialPort string
	Baud       int
	DFUCmdText string // --cmd
	DFUCmdHex  []byte // --hexcmd, already decoded
	TimeoutTries int

	// BLE fields.
	BLEInterface string
	BLEPeerMAC   string
	BLEAddrType  AddressType

	ArchivePath string
	LogLevel    int // 0 quiet, 1 normal, 2 verbose, 3 very verbose
}

// HasDFUCmd reports whether a pre-DFU entry command (text or hex) was
// configured.
func (c *Config) HasDFUCmd() bool {
	return c.DFUCmdText != "" || len(c.DFUCmdHex) > 0
}

// ParseHexCmd decodes a string of hex digit pairs ("01 02 0a") into raw
// bytes for transmission to a CLI prompt. Whitespace between pairs is
// tolerated.
func ParseHexCmd(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, dfuerr.Wrap(dfuerr.ConfigError, err, "invalid --hexcmd value")
	}
	return b, nil
}

// ParseAddrType maps the --atype flag value to an AddressType.
func ParseAddrType(s string) (AddressType, error) {
	switch strings.ToLower(s) {
	case "":
		return AddressUnknown, nil
	case "public":
		return AddressPublic, nil
	case "random":
		return AddressRandom, nil
	default:
		return AddressUnknown, dfuerr.Newf(dfuerr.ConfigError, "unknown --atype %q (want public or random)", s)
	}
}

// Validate checks that an archive path is set, that the ble transport has
// a peer address, and that --cmd and --hexcmd are not both given.
func (c *Config) Validate() error {
	if c.ArchivePath == "" {
		return dfuerr.New(dfuerr.ConfigError, "no DFU package specified")
	}
	if c.Transport == BLE && c.BLEPeerMAC == "" {
		return dfuerr.New(dfuerr.ConfigError, "no --addr specified for ble transport")
	}
	if c.DFUCmdText != "" && len(c.DFUCmdHex) > 0 {
		return dfuerr.New(dfuerr.ConfigError, "--cmd and --hexcmd are mutually exclusive")
	}
	return nil
}
