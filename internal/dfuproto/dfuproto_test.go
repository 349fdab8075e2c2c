package dfuproto_test

import (
	"context"
	"testing"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	response []byte
	err      error
	sent     [][]byte
	data     [][]byte
	sliceSz  int
}

func (f *fakeTransport) SendControl(_ context.Context, req []byte) ([]byte, error) {
	f.sent = append(f.sent, append([]byte(nil), req...))
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeTransport) SendData(_ context.Context, data []byte) error {
	f.data = append(f.data, append([]byte(nil), data...))
	return f.err
}

func (f *fakeTransport) WriteSliceSize() int { return f.sliceSz }
func (f *fakeTransport) Close() error        { return nil }

func TestPingSuccess(t *testing.T) {
	ft := &fakeTransport{response: []byte{byte(dfuproto.OpResponse), byte(dfuproto.OpPing), byte(dfuproto.ResultSuccess), 1}}
	c := dfuproto.NewClient(ft)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, []byte{byte(dfuproto.OpPing), 1}, ft.sent[0])
}

func TestPingIDMismatch(t *testing.T) {
	ft := &fakeTransport{response: []byte{byte(dfuproto.OpResponse), byte(dfuproto.OpPing), byte(dfuproto.ResultSuccess), 99}}
	c := dfuproto.NewClient(ft)
	err := c.Ping(context.Background())
	require.Error(t, err)
	kind, ok := dfuerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dfuerr.ProtocolMismatch, kind)
}

func TestGetCRCPayloadTooShort(t *testing.T) {
	ft := &fakeTransport{response: []byte{byte(dfuproto.OpResponse), byte(dfuproto.OpCrcGet), byte(dfuproto.ResultSuccess)}}
	c := dfuproto.NewClient(ft)
	_, err := c.GetCRC(context.Background())
	require.Error(t, err)
	kind, ok := dfuerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dfuerr.ProtocolMismatch, kind)
}

func TestResultErrorWithExtended(t *testing.T) {
	ft := &fakeTransport{response: []byte{
		byte(dfuproto.OpResponse), byte(dfuproto.OpObjectExecute),
		byte(dfuproto.ResultExtError), byte(dfuproto.ExtErrorFwVersionFailure),
	}}
	c := dfuproto.NewClient(ft)
	err := c.ObjectExecute(context.Background())
	require.Error(t, err)
	var df *dfuerr.DeviceFailure
	require.ErrorAs(t, err, &df)
	assert.True(t, df.IsFWVersionFailure())
}

func TestGetSerialMTUClampsToBufferSize(t *testing.T) {
	resp := []byte{byte(dfuproto.OpResponse), byte(dfuproto.OpMtuGet), byte(dfuproto.ResultSuccess), 0xFF, 0xFF}
	ft := &fakeTransport{response: resp}
	c := dfuproto.NewClient(ft)
	mtu, err := c.GetSerialMTU(context.Background(), 512)
	require.NoError(t, err)
	assert.Equal(t, 512, mtu)
}

func TestObjectSelectDecodesFields(t *testing.T) {
	resp := []byte{byte(dfuproto.OpResponse), byte(dfuproto.OpObjectSelect), byte(dfuproto.ResultSuccess),
		0x00, 0x04, 0x00, 0x00, // max_size = 1024
		0x10, 0x00, 0x00, 0x00, // offset = 16
		0xAA, 0xBB, 0xCC, 0xDD, // crc
	}
	ft := &fakeTransport{response: resp}
	c := dfuproto.NewClient(ft)
	sel, err := c.ObjectSelect(context.Background(), dfuproto.ObjectData)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), sel.MaxSize)
	assert.Equal(t, uint32(16), sel.Offset)
	assert.Equal(t, uint32(0xDDCCBBAA), sel.Crc32)
}

func TestResponseMissingResponseByte(t *testing.T) {
	ft := &fakeTransport{response: []byte{0x00, byte(dfuproto.OpPing), byte(dfuproto.ResultSuccess), 1}}
	c := dfuproto.NewClient(ft)
	err := c.Ping(context.Background())
	require.Error(t, err)
	kind, _ := dfuerr.KindOf(err)
	assert.Equal(t, dfuerr.ProtocolMismatch, kind)
}
