package orchestrator_test

import (
	"archive/zip"
	"bytes"
	"context"
	"hash/crc32"
	"os"
	"testing"

	"github.com/nrfdfu/nrfdfu/internal/archive"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	"github.com/nrfdfu/nrfdfu/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	f, err := os.CreateTemp(t.TempDir(), "pkg-*.zip")
	require.NoError(t, err)
	_, err = f.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func openFullArchive(t *testing.T) *archive.Archive {
	t.Helper()
	manifest := `{
		"manifest": {
			"application": {"dat_file": "app.dat", "bin_file": "app.bin"},
			"softdevice_bootloader": {"dat_file": "sd_bl.dat", "bin_file": "sd_bl.bin"}
		}
	}`
	path := writeZip(t, map[string]string{
		"manifest.json": manifest,
		"app.dat":       "appinit0",
		"app.bin":       string(bytes.Repeat([]byte{0xAA}, 40)),
		"sd_bl.dat":     "sdblinit",
		"sd_bl.bin":     string(bytes.Repeat([]byte{0xBB}, 40)),
	})
	a, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// objState mirrors one object-type slot's resumption state, same model as
// internal/xfer's test fake but generalized across both object types so a
// single fake transport can drive a whole two-pair Update().
type objState struct {
	maxSize         int
	committedOffset int
	committedCRC    uint32
	pendingBuf      []byte
}

type fakeBootloader struct {
	objs        map[dfuproto.ObjectType]*objState
	failSelects map[dfuproto.ObjectType]bool // simulate FW_VERSION_FAILURE on next SELECT
	lastCreated dfuproto.ObjectType
}

func newFakeBootloader(maxSize int) *fakeBootloader {
	return &fakeBootloader{
		objs: map[dfuproto.ObjectType]*objState{
			dfuproto.ObjectCommand: {maxSize: maxSize},
			dfuproto.ObjectData:    {maxSize: maxSize},
		},
		failSelects: map[dfuproto.ObjectType]bool{},
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (d *fakeBootloader) SendControl(_ context.Context, req []byte) ([]byte, error) {
	op := dfuproto.Opcode(req[0])
	switch op {
	case dfuproto.OpObjectSelect:
		t := dfuproto.ObjectType(req[1])
		if d.failSelects[t] {
			delete(d.failSelects, t)
			return []byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultExtError), byte(dfuproto.ExtErrorFwVersionFailure)}, nil
		}
		st := d.objs[t]
		resp := []byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultSuccess)}
		payload := make([]byte, 12)
		putU32(payload[0:4], uint32(st.maxSize))
		putU32(payload[4:8], uint32(st.committedOffset))
		putU32(payload[8:12], st.committedCRC)
		return append(resp, payload...), nil

	case dfuproto.OpObjectCreate:
		t := dfuproto.ObjectType(req[1])
		d.lastCreated = t
		// A freshly created object starts its own offset/CRC bookkeeping;
		// only the pre-CREATE SELECT response reflects whatever was
		// committed by an earlier object at this slot.
		d.objs[t].pendingBuf = nil
		d.objs[t].committedOffset = 0
		d.objs[t].committedCRC = 0
		return []byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultSuccess)}, nil

	case dfuproto.OpCrcGet:
		st := d.objs[d.lastCreated]
		offset := st.committedOffset + len(st.pendingBuf)
		crc := crc32.Update(st.committedCRC, crc32.IEEETable, st.pendingBuf)
		payload := make([]byte, 8)
		putU32(payload[0:4], uint32(offset))
		putU32(payload[4:8], crc)
		return append([]byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultSuccess)}, payload...), nil

	case dfuproto.OpObjectExecute:
		st := d.objs[d.lastCreated]
		st.committedCRC = crc32.Update(st.committedCRC, crc32.IEEETable, st.pendingBuf)
		st.committedOffset += len(st.pendingBuf)
		st.pendingBuf = nil
		return []byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultSuccess)}, nil

	default:
		return []byte{byte(dfuproto.OpResponse), req[0], byte(dfuproto.ResultSuccess)}, nil
	}
}

func (d *fakeBootloader) SendData(_ context.Context, data []byte) error {
	st := d.objs[d.lastCreated]
	st.pendingBuf = append(st.pendingBuf, data...)
	return nil
}

func (d *fakeBootloader) WriteSliceSize() int { return 16 }
func (d *fakeBootloader) Close() error        { return nil }

func TestUpdateTransfersBothPairs(t *testing.T) {
	a := openFullArchive(t)
	dev := newFakeBootloader(64)
	c := dfuproto.NewClient(dev)

	var phases []string
	err := orchestrator.Update(context.Background(), c, a, func(phase string, written, total int64) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)

	// Both object slots end up holding the application pair's state: it
	// transfers last, and CREATE resets each slot's offset/CRC bookkeeping.
	assert.Equal(t, len("appinit0"), dev.objs[dfuproto.ObjectCommand].committedOffset)
	assert.Equal(t, 40, dev.objs[dfuproto.ObjectData].committedOffset)
	assert.NotEmpty(t, phases)
}

func TestUpdateTreatsFWVersionFailureOnSDBLAsUpToDate(t *testing.T) {
	a := openFullArchive(t)
	dev := newFakeBootloader(64)
	dev.failSelects[dfuproto.ObjectCommand] = true
	c := dfuproto.NewClient(dev)

	err := orchestrator.Update(context.Background(), c, a, nil)
	require.NoError(t, err)

	// The SD+BL pair's init-packet SELECT failed with FW_VERSION_FAILURE
	// and the pair was skipped entirely, but the application pair still
	// transferred afterward.
	assert.Equal(t, len("appinit0"), dev.objs[dfuproto.ObjectCommand].committedOffset)
	assert.Equal(t, 40, dev.objs[dfuproto.ObjectData].committedOffset)
}
