// Copyright (C) 2018 Rob Caelers <rob.caelers@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package dfuproto implements the Nordic Secure DFU control protocol: the
// opcode/result wire format, request encoding and response validation.
// It is transport-agnostic, driving any internal/transport.Transport.
package dfuproto

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/transport"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Opcode identifies a DFU control-point request or response.
type Opcode byte

const (
	OpProtocolVersion  Opcode = 0x00
	OpObjectCreate     Opcode = 0x01
	OpReceiptNotifSet  Opcode = 0x02
	OpCrcGet           Opcode = 0x03
	OpObjectExecute    Opcode = 0x04
	OpObjectSelect     Opcode = 0x06
	OpMtuGet           Opcode = 0x07
	OpObjectWrite      Opcode = 0x08
	OpPing             Opcode = 0x09
	OpHardwareVersion  Opcode = 0x0A
	OpFirmwareVersion  Opcode = 0x0B
	OpAbort            Opcode = 0x0C
	OpResponse         Opcode = 0x60
	OpInvalid          Opcode = 0xFF
)

// requestSize is the wire size (opcode byte included) of each request,
// used only to sanity-check payload construction in control(); opcodes
// with no entry are sent without a size check.
var requestSize = map[Opcode]int{
	OpObjectCreate:    1 + 5,
	OpReceiptNotifSet: 1 + 2,
	OpObjectSelect:    1 + 1,
	OpMtuGet:          1,
	// OpObjectWrite is variable length (chunked payload), not listed.
	OpPing:            1 + 1,
	OpFirmwareVersion: 1 + 1,
	OpProtocolVersion: 1,
	OpCrcGet:          1,
	OpObjectExecute:   1,
	OpHardwareVersion: 1,
	OpAbort:           1,
	OpResponse:        1,
	OpInvalid:         1,
}

// ObjectType selects which object a SELECT/CREATE request addresses.
type ObjectType byte

const (
	ObjectCommand ObjectType = 0x01 // init packet
	ObjectData    ObjectType = 0x02 // firmware image
)

// Result is the status byte of a DFU response.
type Result byte

const (
	ResultInvalid               Result = 0x00
	ResultSuccess               Result = 0x01
	ResultOpCodeNotSupported    Result = 0x02
	ResultInvalidParameter      Result = 0x03
	ResultInsufficientResources Result = 0x04
	ResultInvalidObject         Result = 0x05
	ResultUnsupportedType       Result = 0x07
	ResultOperationNotPermitted Result = 0x08
	ResultOperationFailed       Result = 0x0A
	ResultExtError              Result = 0x0B
)

func (r Result) String() string {
	switch r {
	case ResultInvalid:
		return "invalid opcode"
	case ResultSuccess:
		return "success"
	case ResultOpCodeNotSupported:
		return "opcode not supported"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultInsufficientResources:
		return "insufficient resources"
	case ResultInvalidObject:
		return "invalid object"
	case ResultUnsupportedType:
		return "unsupported type"
	case ResultOperationNotPermitted:
		return "operation not permitted"
	case ResultOperationFailed:
		return "operation failed"
	case ResultExtError:
		return "extended error"
	default:
		return "unknown error"
	}
}

// ExtError is the secondary byte that follows a ResultExtError response.
type ExtError byte

const (
	ExtErrorNone                ExtError = 0x00
	ExtErrorInvalidErrorCode    ExtError = 0x01
	ExtErrorWrongCommandFormat  ExtError = 0x02
	ExtErrorUnknownCommand      ExtError = 0x03
	ExtErrorInitCommandInvalid  ExtError = 0x04
	ExtErrorFwVersionFailure    ExtError = 0x05
	ExtErrorHwVersionFailure    ExtError = 0x06
	ExtErrorSdVersionFailure    ExtError = 0x07
	ExtErrorSignatureMissing    ExtError = 0x08
	ExtErrorWrongHashType       ExtError = 0x09
	ExtErrorHashFailed          ExtError = 0x0A
	ExtErrorWrongSignatureType  ExtError = 0x0B
	ExtErrorVerificationFailed  ExtError = 0x0C
	ExtErrorInsufficientSpace   ExtError = 0x0D
)

func (e ExtError) String() string {
	switch e {
	case ExtErrorNone:
		return "no extended error code has been set"
	case ExtErrorInvalidErrorCode:
		return "invalid error code"
	case ExtErrorWrongCommandFormat:
		return "the format of the command was incorrect"
	case ExtErrorUnknownCommand:
		return "the command was successfully parsed, but it is not supported or unknown"
	case ExtErrorInitCommandInvalid:
		return "the init command is invalid"
	case ExtErrorFwVersionFailure:
		return "the firmware version is too low"
	case ExtErrorHwVersionFailure:
		return "the hardware version of the device does not match the required hardware version for the update"
	case ExtErrorSdVersionFailure:
		return "the array of supported SoftDevices for the update does not contain the FWID of the current SoftDevice"
	case ExtErrorSignatureMissing:
		return "the init packet does not contain a signature"
	case ExtErrorWrongHashType:
		return "the hash type is not supported by the DFU bootloader"
	case ExtErrorHashFailed:
		return "the hash of the firmware image cannot be calculated"
	case ExtErrorWrongSignatureType:
		return "the signature type is unknown or not supported"
	case ExtErrorVerificationFailed:
		return "the hash of the received firmware image does not match the hash in the init packet"
	case ExtErrorInsufficientSpace:
		return "the available space on the device is insufficient to hold the firmware"
	default:
		return "unknown extended error"
	}
}

// SelectResponse is the payload of an OBJECT_SELECT response.
type SelectResponse struct {
	MaxSize uint32
	Offset  uint32
	Crc32   uint32
}

// ChecksumResponse is the payload of a CRC_GET response.
type ChecksumResponse struct {
	Offset uint32
	Crc32  uint32
}

// Client drives the DFU control protocol over a transport.Transport. It
// holds no object-transfer state; internal/xfer builds the
// select/create/write/verify/execute procedure on top of it.
type Client struct {
	tr      transport.Transport
	pingSeq byte
}

// NewClient wraps tr for protocol-level requests.
func NewClient(tr transport.Transport) *Client {
	return &Client{tr: tr, pingSeq: 1}
}

// WriteSliceSize reports the underlying transport's write-slice size, the
// chunk size internal/xfer should batch data-point writes into.
func (c *Client) WriteSliceSize() int { return c.tr.WriteSliceSize() }

func (c *Client) control(ctx context.Context, opcode Opcode, payload []byte) ([]byte, error) {
	req := make([]byte, 0, 1+len(payload))
	req = append(req, byte(opcode))
	req = append(req, payload...)

	if want, ok := requestSize[opcode]; ok && len(req) != want {
		return nil, dfuerr.Newf(dfuerr.ProtocolMismatch, "request for opcode 0x%02x has wrong size: got %d want %d", opcode, len(req), want)
	}

	resp, err := c.tr.SendControl(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "control request failed")
	}
	if len(resp) < 3 {
		return nil, dfuerr.New(dfuerr.ProtocolMismatch, "response too short")
	}
	if Opcode(resp[0]) != OpResponse {
		return nil, dfuerr.New(dfuerr.ProtocolMismatch, "response does not start with RESPONSE byte")
	}
	if Opcode(resp[1]) != opcode {
		return nil, dfuerr.Newf(dfuerr.ProtocolMismatch, "response for opcode 0x%02x does not match request 0x%02x", resp[1], opcode)
	}
	result := Result(resp[2])
	if result != ResultSuccess {
		if result == ResultExtError && len(resp) >= 4 {
			ext := ExtError(resp[3])
			return nil, dfuerr.NewDeviceFailure(byte(result), true, byte(ext), ext.String())
		}
		return nil, dfuerr.NewDeviceFailure(byte(result), false, 0, result.String())
	}
	return resp[3:], nil
}

// Ping sends a ping with an internally incrementing sequence id and
// reports whether the echoed id matched.
func (c *Client) Ping(ctx context.Context) error {
	id := c.pingSeq
	c.pingSeq++
	resp, err := c.control(ctx, OpPing, []byte{id})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != id {
		return dfuerr.New(dfuerr.ProtocolMismatch, "ping id mismatch")
	}
	jww.DEBUG.Printf("ping %d ok", id)
	return nil
}

// SetPRN configures the packet-receipt-notification interval. nrfdfu
// always sets this to 0 so CRC_GET is the sole synchronization point.
func (c *Client) SetPRN(ctx context.Context, prn uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, prn)
	_, err := c.control(ctx, OpReceiptNotifSet, buf)
	return err
}

// GetSerialMTU reads the device's preferred MTU and clamps it to bufSize
// (the SLIP decode buffer capacity), matching the C original's guard
// against devices that advertise an MTU too large for the host's buffer.
func (c *Client) GetSerialMTU(ctx context.Context, bufSize int) (int, error) {
	resp, err := c.control(ctx, OpMtuGet, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, dfuerr.New(dfuerr.ProtocolMismatch, "MTU response too short")
	}
	mtu := int(binary.LittleEndian.Uint16(resp))
	if mtu > bufSize {
		jww.WARN.Printf("MTU of %d limited to buffer size %d", mtu, bufSize)
		mtu = bufSize
	}
	return mtu, nil
}

// GetCRC reads the device's current rolling offset and CRC-32 for the
// object currently being transferred.
func (c *Client) GetCRC(ctx context.Context) (ChecksumResponse, error) {
	var out ChecksumResponse
	resp, err := c.control(ctx, OpCrcGet, nil)
	if err != nil {
		return out, err
	}
	if err := decodeLE(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ObjectSelect selects the command or data object and reports its
// resumption state (max chunk size, current offset, current CRC-32).
func (c *Client) ObjectSelect(ctx context.Context, t ObjectType) (SelectResponse, error) {
	var out SelectResponse
	resp, err := c.control(ctx, OpObjectSelect, []byte{byte(t)})
	if err != nil {
		return out, err
	}
	if err := decodeLE(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ObjectCreate creates a new object of the given type and size.
func (c *Client) ObjectCreate(ctx context.Context, t ObjectType, size uint32) error {
	buf := make([]byte, 5)
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:], size)
	_, err := c.control(ctx, OpObjectCreate, buf)
	return err
}

// ObjectExecute commits the most recently written object to flash.
func (c *Client) ObjectExecute(ctx context.Context) error {
	_, err := c.control(ctx, OpObjectExecute, nil)
	return err
}

// Abort cancels an in-progress DFU operation.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.control(ctx, OpAbort, nil)
	return err
}

// WriteChunk sends one data-point slice, unacknowledged. Callers batch
// chunks up to transport.WriteSliceSize() and verify the batch with
// GetCRC once the whole object (or chunk boundary) has been sent.
func (c *Client) WriteChunk(ctx context.Context, data []byte) error {
	return c.tr.SendData(ctx, data)
}

func decodeLE(b []byte, out interface{}) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return dfuerr.Wrap(dfuerr.ProtocolMismatch, err, "failed to decode response payload")
	}
	return nil
}
