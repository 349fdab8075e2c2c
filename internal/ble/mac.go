package ble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
)

// DfuTargAddress computes the bootloader's advertised MAC from the
// application's peer MAC: the first octet increments by one. Two variants
// circulate in BLE DFU tooling (some mutate byte[0], others byte[5]);
// nrfdfu mutates byte[0], matching current Nordic bootloader behavior.
func DfuTargAddress(mac string) (string, error) {
	octets := strings.Split(mac, ":")
	if len(octets) != 6 {
		return "", dfuerr.Newf(dfuerr.ConfigError, "not a MAC address: %q", mac)
	}
	first, err := strconv.ParseUint(octets[0], 16, 8)
	if err != nil {
		return "", dfuerr.Wrap(dfuerr.ConfigError, err, "invalid MAC octet")
	}
	octets[0] = fmt.Sprintf("%02X", byte(first+1))
	return strings.Join(octets, ":"), nil
}
