// Package dfuerr defines the error kinds shared by every layer of the DFU
// client, so callers can branch on "what kind of thing went wrong" without
// depending on a specific package's error type.
package dfuerr

import "github.com/pkg/errors"

// Kind classifies a failure for logging and for the orchestrator's
// retry/abort policy.
type Kind int

const (
	// Io covers open/read/write failures at the transport level.
	Io Kind = iota
	// Timeout means no byte or notification arrived within budget.
	Timeout
	// Framing means the SLIP decoder saw an overflow or a dangling escape.
	Framing
	// ProtocolMismatch means the response opcode didn't match the
	// request, or the response didn't start with the RESPONSE byte.
	ProtocolMismatch
	// DeviceError means the target returned a non-SUCCESS result code.
	DeviceError
	// CrcMismatch means the device-reported CRC didn't match the host's
	// rolling CRC at a chunk boundary.
	CrcMismatch
	// ArchiveError covers missing zip entries, bad manifests and
	// truncated reads.
	ArchiveError
	// ConfigError covers bad CLI arguments or unresolvable configuration.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Timeout:
		return "timeout"
	case Framing:
		return "framing"
	case ProtocolMismatch:
		return "protocol-mismatch"
	case DeviceError:
		return "device-error"
	case CrcMismatch:
		return "crc-mismatch"
	case ArchiveError:
		return "archive-error"
	case ConfigError:
		return "config-error"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged failure. The lower layers construct these and
// higher layers inspect it with KindOf (which walks the Cause chain, since
// Error is always wrapped with context using github.com/pkg/errors) to
// decide whether a failure is recoverable.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// KindOf reports the classification of err, walking through any
// github.com/pkg/errors wrapping to find it. Returns (0, false) if err
// does not carry a dfuerr.Error in its cause chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if de, ok := err.(*Error); ok {
			e = de
			break
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = causer.Cause()
	}
	if e == nil {
		return 0, false
	}
	return e.kind, true
}

// New builds a plain kind-tagged error.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds a plain kind-tagged error with formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: errors.Errorf(format, args...).Error()}
}

// Wrap attaches a kind to an existing error. The kind-tagged error becomes
// the cause of the result; err itself is kept only as message text.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(&Error{kind: kind, msg: msg}, err.Error())
}

// DeviceFailure is the extended form of the DeviceError kind, carrying the
// numeric result code (and, for EXT_ERROR, the extended error code) for
// the orchestrator's "already up to date" detection.
type DeviceFailure struct {
	*Error
	Result    byte
	Extended  byte
	HasExtend bool
}

// Cause exposes the embedded Kind-tagged error so KindOf (and
// errors.Cause) can classify a DeviceFailure without a type switch.
func (d *DeviceFailure) Cause() error { return d.Error }

// IsFWVersionFailure reports whether this device failure is the extended
// FW_VERSION_FAILURE code, treated as recoverable during the SD+BL phase
// ("already up to date").
func (d *DeviceFailure) IsFWVersionFailure() bool {
	return d.HasExtend && d.Extended == 0x05 // NRF_DFU_EXT_ERROR_FW_VERSION_FAILURE
}

// NewDeviceFailure builds a DeviceError carrying the device's result code
// and, when result is EXT_ERROR, its extended error code.
func NewDeviceFailure(result byte, hasExt bool, ext byte, msg string) *DeviceFailure {
	return &DeviceFailure{
		Error:     &Error{kind: DeviceError, msg: msg},
		Result:    result,
		Extended:  ext,
		HasExtend: hasExt,
	}
}
