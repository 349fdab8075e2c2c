package ble

import (
	"context"
	"time"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	jww "github.com/spf13/jwalterweatherman"
)

// Nordic Secure DFU GATT service and characteristic UUIDs.
const (
	UUIDService                   = "fe59"
	UUIDControlPoint              = "8ec90001f3154f609fb8838830daea50"
	UUIDDataPoint                 = "8ec90002f3154f609fb8838830daea50"
	UUIDButtonlessWithBonds       = "8ec90004f3154f609fb8838830daea50"
	UUIDButtonlessWithoutBonds    = "8ec90003f3154f609fb8838830daea50"
)

// StaticMTU is the fixed BLE write slice used in place of MTU_GET/ATT MTU
// negotiation: this transport never negotiates, it always writes up to
// this many bytes per OBJECT_WRITE slice.
const StaticMTU = 244

// Transport drives the DFU control/data points of a connected peripheral,
// satisfying transport.Transport. GATT writes are already message-framed,
// so unlike the serial transport there is no SLIP layer here.
type Transport struct {
	peripheral Peripheral
	ctrlChar   Characteristic
	dataChar   Characteristic

	notify     chan []byte
	writeSlice int
}

// NewTransport finds the DFU service's control and data characteristics on
// an already-connected peripheral and subscribes to control-point
// notifications.
func NewTransport(p Peripheral) (*Transport, error) {
	svc := p.FindService(UUIDService)
	if svc == nil {
		return nil, dfuerr.New(dfuerr.ProtocolMismatch, "DFU service not found on peripheral")
	}
	ctrl := svc.FindCharacteristic(UUIDControlPoint)
	if ctrl == nil {
		return nil, dfuerr.New(dfuerr.ProtocolMismatch, "DFU control point characteristic not found")
	}
	data := svc.FindCharacteristic(UUIDDataPoint)
	if data == nil {
		return nil, dfuerr.New(dfuerr.ProtocolMismatch, "DFU data point characteristic not found")
	}

	t := &Transport{
		peripheral: p,
		ctrlChar:   ctrl,
		dataChar:   data,
		notify:     make(chan []byte, 1),
		writeSlice: StaticMTU,
	}

	if err := ctrl.Subscribe(false, t.onNotify); err != nil {
		return nil, dfuerr.Wrap(dfuerr.Io, err, "failed to subscribe to control point")
	}
	return t, nil
}

func (t *Transport) onNotify(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case <-t.notify:
		// drop a stale notification rather than block the BLE stack's
		// delivery goroutine
		jww.WARN.Println("dropped unread control point notification")
	default:
	}
	t.notify <- cp
}

// WriteSliceSize implements transport.Transport.
func (t *Transport) WriteSliceSize() int { return t.writeSlice }

// controlResponseTimeout bounds the wait for a control point notification.
const controlResponseTimeout = 10 * time.Second

// SendControl implements transport.Transport: a write-with-response to the
// control point, then the matching notification.
func (t *Transport) SendControl(ctx context.Context, request []byte) ([]byte, error) {
	if err := t.ctrlChar.WriteCharacteristic(request, false); err != nil {
		return nil, dfuerr.Wrap(dfuerr.Io, err, "control point write failed")
	}
	timer := time.NewTimer(controlResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-t.notify:
		return resp, nil
	case <-ctx.Done():
		return nil, dfuerr.Wrap(dfuerr.Timeout, ctx.Err(), "timed out waiting for control point response")
	case <-timer.C:
		return nil, dfuerr.New(dfuerr.Timeout, "timed out waiting for control point response")
	}
}

// SendData implements transport.Transport: a write-without-response to the
// data point. PRN is always 0, so no response is expected back.
func (t *Transport) SendData(ctx context.Context, data []byte) error {
	if err := t.dataChar.WriteCharacteristic(data, true); err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "data point write failed")
	}
	return nil
}

// Close unsubscribes and disconnects the peripheral. Safe to call more
// than once.
func (t *Transport) Close() error {
	if t.peripheral == nil {
		return nil
	}
	_ = t.ctrlChar.Unsubscribe(false)
	err := t.peripheral.Disconnect()
	t.peripheral = nil
	if err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "error disconnecting from peripheral")
	}
	return nil
}

// buttonlessAckTimeout bounds the wait for the buttonless service's
// success/failure indication after writing the "enter bootloader" opcode.
const buttonlessAckTimeout = 10 * time.Second

// buttonlessDisconnectTimeout is the fixed window EnterBootloader waits,
// once the buttonless request is acknowledged, before disconnecting.
const buttonlessDisconnectTimeout = 10 * time.Second

// EnterBootloader triggers the buttonless-DFU service on a connected
// application peripheral: subscribe its indications, write the "enter
// bootloader" opcode, wait for a success ack, then wait out
// buttonlessDisconnectTimeout (or until ctx ends) and disconnect. The link
// state is not observed during that window, so the wait is not cut short
// when the application drops the connection earlier.
func EnterBootloader(ctx context.Context, p Peripheral) error {
	svc := p.FindService(UUIDService)
	if svc == nil {
		return dfuerr.New(dfuerr.ProtocolMismatch, "buttonless DFU service not found")
	}

	btn := svc.FindCharacteristic(UUIDButtonlessWithBonds)
	if btn == nil {
		btn = svc.FindCharacteristic(UUIDButtonlessWithoutBonds)
	}
	if btn == nil {
		return dfuerr.New(dfuerr.ProtocolMismatch, "buttonless DFU characteristic not found")
	}

	ack := make(chan []byte, 1)
	if err := btn.Subscribe(true, func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case ack <- cp:
		default:
		}
	}); err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "failed to subscribe to buttonless characteristic")
	}
	defer btn.Unsubscribe(true)

	const opEnterBootloader = 0x01
	const opResponseCode = 0x20
	const resultSuccess = 0x01

	if err := btn.WriteCharacteristic([]byte{opEnterBootloader}, false); err != nil {
		return dfuerr.Wrap(dfuerr.Io, err, "failed to write buttonless trigger")
	}

	ackCtx, cancel := context.WithTimeout(ctx, buttonlessAckTimeout)
	defer cancel()

	select {
	case resp := <-ack:
		if len(resp) < 3 || resp[0] != opResponseCode || resp[1] != opEnterBootloader {
			return dfuerr.New(dfuerr.ProtocolMismatch, "unexpected buttonless response")
		}
		if resp[2] != resultSuccess {
			return dfuerr.Newf(dfuerr.DeviceError, "buttonless trigger rejected, result 0x%02x", resp[2])
		}
	case <-ackCtx.Done():
		return dfuerr.New(dfuerr.Timeout, "timed out waiting for buttonless trigger ack")
	}

	jww.INFO.Println("buttonless trigger acknowledged, waiting for disconnect")

	disconnectCtx, cancel2 := context.WithTimeout(ctx, buttonlessDisconnectTimeout)
	defer cancel2()
	<-disconnectCtx.Done()
	if disconnectCtx.Err() == context.DeadlineExceeded {
		// The application usually resets and the link drops on its own;
		// disconnect explicitly in any case once the window has run out.
		_ = p.Disconnect()
	}
	return nil
}

// ConnectWithRetry connects to a peripheral by address, retrying with a
// fixed backoff if the peer is out of range or not yet advertising.
func ConnectWithRetry(ctx context.Context, client Client, addr string, tries int, backoff time.Duration, perTry time.Duration) (Peripheral, error) {
	var lastErr error
	for i := 0; i < tries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := client.ConnectAddress(addr, perTry)
		if err == nil {
			return p, nil
		}
		lastErr = err
		jww.WARN.Printf("connect to %s failed (try %d/%d): %v", addr, i+1, tries, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, dfuerr.Wrap(dfuerr.Io, lastErr, "failed to connect to device")
}

// ReconnectDfuTarg connects to the bootloader's DfuTarg advertisement,
// which comes up one MAC octet away from the application it replaced,
// retrying with a fixed backoff while the bootloader finishes booting.
func ReconnectDfuTarg(ctx context.Context, client Client, appMAC string, tries int, backoff time.Duration, perTry time.Duration) (Peripheral, error) {
	targetMAC, err := DfuTargAddress(appMAC)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := client.ConnectAddress(targetMAC, perTry)
		if err == nil {
			return p, nil
		}
		lastErr = err
		jww.WARN.Printf("connect to %s failed (try %d/%d): %v", targetMAC, i+1, tries, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, dfuerr.Wrap(dfuerr.Io, lastErr, "failed to reconnect to DFU target")
}
