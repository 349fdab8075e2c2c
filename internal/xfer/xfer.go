// Package xfer implements the DFU object-transfer procedure: select an
// object slot, resume or restart it, then loop create/write/verify/execute
// until the whole stream has been committed to the target.
package xfer

import (
	"context"
	"hash/crc32"
	"io"

	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	jww "github.com/spf13/jwalterweatherman"
)

// Progress reports bytes written so far against the total for the object
// currently being transferred.
type Progress func(written, total int64)

// Source is the resumable byte stream xfer reads from: object-transfer
// resumption needs to recompute CRC-32 from byte 0 on a mismatch, which
// requires seeking back to the start.
type Source interface {
	io.Reader
	io.Seeker
}

// Transfer drives the full select/resume/create/write/verify/execute
// procedure for one object (init packet or firmware image) of size sz
// bytes read from src, grounded on the reference client's
// dfu_object_write_procedure: full-resume when the device already holds
// the exact byte count and CRC, partial-resume by rewinding to the last
// whole chunk boundary on a CRC mismatch, and the create/write/verify loop
// otherwise.
func Transfer(ctx context.Context, c *dfuproto.Client, t dfuproto.ObjectType, src Source, sz int64, writeSlice int, progress Progress) error {
	sel, err := c.ObjectSelect(ctx, t)
	if err != nil {
		return err
	}
	maxSize := int64(sel.MaxSize)
	if maxSize <= 0 {
		return dfuerr.New(dfuerr.ProtocolMismatch, "device reported a zero max object size")
	}

	offset := int64(sel.Offset)
	crc := sel.Crc32

	// Full resume: the device already holds every byte of this object
	// with a matching CRC. Skip straight to execute.
	if offset == sz {
		streamCRC, err := crcThrough(src, sz)
		if err != nil {
			return err
		}
		if streamCRC == crc {
			jww.INFO.Println("object already received, executing")
			return c.ObjectExecute(ctx)
		}
	}

	currentCRC := uint32(0)

	if offset > 0 {
		remain := offset % maxSize
		jww.WARN.Printf("object partially received (offset %d remaining %d)", offset, remain)

		streamCRC, err := crcThrough(src, offset)
		if err != nil {
			return err
		}

		if streamCRC != crc {
			// Corrupted tail: rewind to the last whole chunk boundary
			// and recompute CRC from there. The next create/write loop
			// below starts at this rewound offset.
			if remain > 0 {
				offset -= remain
			} else {
				offset -= maxSize
			}
			if offset < 0 {
				offset = 0
			}
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				return err
			}
			currentCRC, err = crcThrough(src, offset)
			if err != nil {
				return err
			}
		} else if offset < sz {
			// CRC matches: finish the in-progress chunk, then execute.
			currentCRC = crc
			if remain > 0 {
				end := offset + maxSize - remain
				if end > sz {
					end = sz
				}
				n, err := writeSpan(ctx, c, src, end-offset, writeSlice, &currentCRC, progress, offset, sz)
				if err != nil {
					return err
				}
				offset += n
			}
			if err := verifyCRC(ctx, c, offset, currentCRC); err != nil {
				return err
			}
			if err := c.ObjectExecute(ctx); err != nil {
				return err
			}
		}
	} else {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	for offset < sz {
		chunk := sz - offset
		if chunk > maxSize {
			chunk = maxSize
		}
		if err := c.ObjectCreate(ctx, t, uint32(chunk)); err != nil {
			return err
		}

		n, err := writeSpan(ctx, c, src, chunk, writeSlice, &currentCRC, progress, offset, sz)
		if err != nil {
			return err
		}
		offset += n

		if err := verifyCRC(ctx, c, offset, currentCRC); err != nil {
			return err
		}
		if err := c.ObjectExecute(ctx); err != nil {
			return err
		}
	}

	return nil
}

// writeSpan writes exactly n bytes from src in writeSlice-sized chunks,
// rolling currentCRC forward and reporting progress as (base+written) of
// total.
func writeSpan(ctx context.Context, c *dfuproto.Client, src io.Reader, n int64, writeSlice int, currentCRC *uint32, progress Progress, base, total int64) (int64, error) {
	buf := make([]byte, writeSlice)
	var written int64
	for written < n {
		want := n - written
		if want > int64(writeSlice) {
			want = int64(writeSlice)
		}
		nr, err := io.ReadFull(src, buf[:want])
		if err != nil {
			return written, dfuerr.Wrap(dfuerr.Io, err, "failed to read from firmware stream")
		}
		if err := c.WriteChunk(ctx, buf[:nr]); err != nil {
			return written, err
		}
		*currentCRC = crc32.Update(*currentCRC, crc32.IEEETable, buf[:nr])
		written += int64(nr)
		if progress != nil {
			progress(base+written, total)
		}
	}
	return written, nil
}

func verifyCRC(ctx context.Context, c *dfuproto.Client, offset int64, want uint32) error {
	resp, err := c.GetCRC(ctx)
	if err != nil {
		return err
	}
	if resp.Offset != uint32(offset) {
		return dfuerr.Newf(dfuerr.CrcMismatch, "offset mismatch: device %d != expected %d", resp.Offset, offset)
	}
	if resp.Crc32 != want {
		return dfuerr.Newf(dfuerr.CrcMismatch, "CRC mismatch: device 0x%08x != expected 0x%08x", resp.Crc32, want)
	}
	return nil
}

// crcThrough seeks src to its start, computes the CRC-32 of the first n
// bytes, and leaves the stream positioned at n.
func crcThrough(src Source, n int64) (uint32, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	crc := uint32(0)
	buf := make([]byte, 4096)
	var read int64
	for read < n {
		want := n - read
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		nr, err := io.ReadFull(src, buf[:want])
		if err != nil {
			return 0, dfuerr.Wrap(dfuerr.Io, err, "failed to read from firmware stream")
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:nr])
		read += int64(nr)
	}
	return crc, nil
}
