// Package transport defines the uniform contract the protocol engine
// drives regardless of whether the DFU target is reached over a
// SLIP-framed UART or a BLE GATT link.
package transport

import "context"

// Transport is the boundary the protocol engine (internal/dfuproto) and
// transfer state machine (internal/xfer) use to talk to a DFU target.
// Implementations: internal/serial (SLIP over a tty) and internal/ble
// (Nordic DFU GATT service).
type Transport interface {
	// SendControl writes one control-point request (opcode byte plus
	// payload, already concatenated) and returns the raw response
	// bytes (RESPONSE byte, echoed opcode, result byte, and any
	// trailing fields), or an error if no response arrived within the
	// transport's own timeout budget.
	SendControl(ctx context.Context, request []byte) ([]byte, error)

	// SendData writes a data-point payload. It is fire-and-forget: the
	// target does not acknowledge individual writes, only the
	// subsequent CRC_GET control request verifies them.
	SendData(ctx context.Context, data []byte) error

	// WriteSliceSize returns the largest chunk SendData should be
	// called with at a time: (mtu-1)/2 for serial (SLIP escaping can
	// double a byte), a fixed value for BLE.
	WriteSliceSize() int

	// Close releases the underlying link. Safe to call more than once
	// and safe to call concurrently with a blocked SendControl/SendData
	// from a signal handler, to unblock it.
	Close() error
}
