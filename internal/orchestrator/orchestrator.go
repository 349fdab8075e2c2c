// Package orchestrator drives the transfer part of a firmware upgrade:
// the softdevice+bootloader pair if present, then the application pair,
// tolerating the device reporting "already up to date" on the first pair.
// It does not connect to or reboot the target; callers pass a client that
// already talks to the bootloader.
package orchestrator

import (
	"context"

	"github.com/nrfdfu/nrfdfu/internal/archive"
	"github.com/nrfdfu/nrfdfu/internal/dfuerr"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	"github.com/nrfdfu/nrfdfu/internal/xfer"
	jww "github.com/spf13/jwalterweatherman"
)

// Progress reports the bytes transferred for the pair currently in
// flight; the phase name lets a caller reset a progress bar between
// pairs.
type Progress func(phase string, written, total int64)

// Update runs the init-packet-then-firmware transfer for both the
// softdevice+bootloader pair (if the archive has one) and the
// application pair, grounded on the reference client's two-call
// Update() sequence (dfu.transfer(0x01, initDataFile) then
// dfu.transfer(0x02, firmwareFile), invoked once per pair present in the
// archive).
func Update(ctx context.Context, c *dfuproto.Client, arch *archive.Archive, progress Progress) error {
	if arch.SDBL != nil {
		if err := updatePair(ctx, c, "softdevice+bootloader", arch.SDBL, progress); err != nil {
			if isAlreadyUpToDate(err) {
				jww.INFO.Println("softdevice+bootloader already up to date, continuing to application")
			} else {
				return err
			}
		}
	}

	if arch.App != nil {
		if err := updatePair(ctx, c, "application", arch.App, progress); err != nil {
			return err
		}
	}

	return nil
}

// isAlreadyUpToDate reports whether err is the extended FW_VERSION_FAILURE
// the bootloader returns when asked to downgrade or re-flash identical
// firmware. Only the SD+BL pair treats this as recoverable; a failed
// application transfer still aborts the run.
func isAlreadyUpToDate(err error) bool {
	var df *dfuerr.DeviceFailure
	for e := err; e != nil; {
		if d, ok := e.(*dfuerr.DeviceFailure); ok {
			df = d
			break
		}
		causer, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = causer.Cause()
	}
	return df != nil && df.IsFWVersionFailure()
}

func updatePair(ctx context.Context, c *dfuproto.Client, name string, pair *archive.Pair, progress Progress) error {
	jww.INFO.Printf("transferring %s init packet\n", name)
	if err := transferStream(ctx, c, dfuproto.ObjectCommand, pair.Init, name, progress); err != nil {
		return err
	}

	jww.INFO.Printf("transferring %s firmware image\n", name)
	if err := transferStream(ctx, c, dfuproto.ObjectData, pair.Firmware, name, progress); err != nil {
		return err
	}

	return nil
}

func transferStream(ctx context.Context, c *dfuproto.Client, t dfuproto.ObjectType, s *archive.Stream, name string, progress Progress) error {
	sliceSize := c.WriteSliceSize()
	var cb xfer.Progress
	if progress != nil {
		cb = func(written, total int64) { progress(name, written, total) }
	}
	return xfer.Transfer(ctx, c, t, s, int64(s.Size()), sliceSize, cb)
}
