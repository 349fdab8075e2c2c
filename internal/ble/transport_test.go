package ble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCharacteristic struct {
	uuid     string
	writes   [][]byte
	onWrite  func(data []byte)
	handler  func(data []byte)
	indicate bool
}

func (c *fakeCharacteristic) Uuid() string { return c.uuid }

func (c *fakeCharacteristic) WriteCharacteristic(data []byte, noresp bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	if c.onWrite != nil {
		c.onWrite(cp)
	}
	return nil
}

func (c *fakeCharacteristic) Subscribe(indication bool, f func([]byte)) error {
	c.indicate = indication
	c.handler = f
	return nil
}

func (c *fakeCharacteristic) Unsubscribe(indication bool) error {
	c.handler = nil
	return nil
}

func (c *fakeCharacteristic) fire(data []byte) {
	if c.handler != nil {
		c.handler(data)
	}
}

type fakeService struct {
	uuid  string
	chars map[string]*fakeCharacteristic
}

func (s *fakeService) Uuid() string { return s.uuid }

func (s *fakeService) FindCharacteristic(uuid string) Characteristic {
	c, ok := s.chars[uuid]
	if !ok {
		return nil
	}
	return c
}

type fakePeripheral struct {
	addr         string
	services     map[string]*fakeService
	disconnected bool
}

func (p *fakePeripheral) Addr() string { return p.addr }

func (p *fakePeripheral) Disconnect() error {
	p.disconnected = true
	return nil
}

func (p *fakePeripheral) FindService(uuid string) Service {
	s, ok := p.services[uuid]
	if !ok {
		return nil
	}
	return s
}

func (p *fakePeripheral) FindCharacteristic(uuid string) Characteristic {
	for _, s := range p.services {
		if c := s.FindCharacteristic(uuid); c != nil {
			return c
		}
	}
	return nil
}

func (p *fakePeripheral) WriteCharacteristic(uuid string, data []byte, noresp bool) error {
	c := p.FindCharacteristic(uuid)
	if c == nil {
		return nil
	}
	return c.WriteCharacteristic(data, noresp)
}

func (p *fakePeripheral) Subscribe(uuid string, indication bool, f func([]byte)) error {
	c := p.FindCharacteristic(uuid)
	if c == nil {
		return nil
	}
	return c.Subscribe(indication, f)
}

func (p *fakePeripheral) Unsubscribe(uuid string, indication bool) error {
	c := p.FindCharacteristic(uuid)
	if c == nil {
		return nil
	}
	return c.Unsubscribe(indication)
}

func newFakePeripheralWithDfuService() (*fakePeripheral, *fakeCharacteristic, *fakeCharacteristic) {
	ctrl := &fakeCharacteristic{uuid: UUIDControlPoint}
	data := &fakeCharacteristic{uuid: UUIDDataPoint}
	svc := &fakeService{uuid: UUIDService, chars: map[string]*fakeCharacteristic{
		UUIDControlPoint: ctrl,
		UUIDDataPoint:    data,
	}}
	return &fakePeripheral{services: map[string]*fakeService{UUIDService: svc}}, ctrl, data
}

func TestTransportSendControlReturnsNotifiedResponse(t *testing.T) {
	p, ctrl, _ := newFakePeripheralWithDfuService()
	ctrl.onWrite = func(req []byte) {
		ctrl.fire([]byte{0x60, req[0], 0x01})
	}

	tr, err := NewTransport(p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := tr.SendControl(ctx, []byte{0x09, 0x42})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x09, 0x01}, resp)
}

func TestTransportSendControlTimesOut(t *testing.T) {
	p, _, _ := newFakePeripheralWithDfuService()

	tr, err := NewTransport(p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = tr.SendControl(ctx, []byte{0x09})
	require.Error(t, err)
}

func TestTransportSendDataWritesWithoutResponse(t *testing.T) {
	p, _, data := newFakePeripheralWithDfuService()

	tr, err := NewTransport(p)
	require.NoError(t, err)

	err = tr.SendData(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, data.writes, 1)
	assert.Equal(t, []byte{1, 2, 3}, data.writes[0])
}

func TestTransportWriteSliceIsStaticMTU(t *testing.T) {
	p, _, _ := newFakePeripheralWithDfuService()
	tr, err := NewTransport(p)
	require.NoError(t, err)

	assert.Equal(t, StaticMTU, tr.WriteSliceSize())
}

func TestEnterBootloaderSucceedsOnAck(t *testing.T) {
	btn := &fakeCharacteristic{uuid: UUIDButtonlessWithBonds}
	btn.onWrite = func(req []byte) {
		btn.fire([]byte{0x20, 0x01, 0x01})
	}
	svc := &fakeService{uuid: UUIDService, chars: map[string]*fakeCharacteristic{
		UUIDButtonlessWithBonds: btn,
	}}
	p := &fakePeripheral{services: map[string]*fakeService{UUIDService: svc}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := EnterBootloader(ctx, p)
	require.NoError(t, err)
	assert.True(t, p.disconnected, "expected EnterBootloader to disconnect after the wait window")
}

func TestEnterBootloaderSurfacesRejection(t *testing.T) {
	btn := &fakeCharacteristic{uuid: UUIDButtonlessWithBonds}
	btn.onWrite = func(req []byte) {
		btn.fire([]byte{0x20, 0x01, 0x02})
	}
	svc := &fakeService{uuid: UUIDService, chars: map[string]*fakeCharacteristic{
		UUIDButtonlessWithBonds: btn,
	}}
	p := &fakePeripheral{services: map[string]*fakeService{UUIDService: svc}}

	err := EnterBootloader(context.Background(), p)
	require.Error(t, err)
}

type fakeClient struct {
	failures   int
	connected  []string
	peripheral Peripheral
}

func (c *fakeClient) ConnectName(name string, timeout time.Duration) (Peripheral, error) {
	return nil, nil
}

func (c *fakeClient) ConnectAddress(address string, timeout time.Duration) (Peripheral, error) {
	c.connected = append(c.connected, address)
	if len(c.connected) <= c.failures {
		return nil, assertErr
	}
	return c.peripheral, nil
}

func (c *fakeClient) Scan(duration time.Duration, handler AdvertisementHandler) error {
	return nil
}

var assertErr = &fakeConnectError{}

type fakeConnectError struct{}

func (e *fakeConnectError) Error() string { return "connect failed" }

func TestReconnectDfuTargRetriesThenSucceeds(t *testing.T) {
	want, _, _ := newFakePeripheralWithDfuService()
	client := &fakeClient{failures: 2, peripheral: want}

	p, err := ReconnectDfuTarg(context.Background(), client, "C0:DE:AD:BE:EF:01", 5, time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, want, p)
	assert.Equal(t, []string{"C1:DE:AD:BE:EF:01", "C1:DE:AD:BE:EF:01", "C1:DE:AD:BE:EF:01"}, client.connected)
}

func TestReconnectDfuTargGivesUpAfterTries(t *testing.T) {
	client := &fakeClient{failures: 99}

	_, err := ReconnectDfuTarg(context.Background(), client, "C0:DE:AD:BE:EF:01", 3, time.Millisecond, time.Millisecond)
	require.Error(t, err)
	assert.Len(t, client.connected, 3)
}
