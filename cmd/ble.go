package cmd

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/nrfdfu/nrfdfu/internal/archive"
	nrfble "github.com/nrfdfu/nrfdfu/internal/ble"
	"github.com/nrfdfu/nrfdfu/internal/config"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	"github.com/nrfdfu/nrfdfu/internal/orchestrator"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// connectRetryTries/connectRetryBackoff govern the initial connect to
	// the peer device: retry up to 3 times with a 5s backoff.
	connectRetryTries   = 3
	connectRetryBackoff = 5 * time.Second

	// dfuTargRetryTries/dfuTargRetryBackoff govern reconnecting to the
	// DfuTarg advertisement after a buttonless-DFU trigger: retry up to
	// 10 times with a 5s backoff while the bootloader finishes booting.
	dfuTargRetryTries   = 10
	dfuTargRetryBackoff = 5 * time.Second
)

type bleCommand struct {
	*baseCommand

	addr    string
	atype   string
	intf    string
	timeout time.Duration
}

func newBleCommand() *bleCommand {
	c := &bleCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "ble DFUPKG.zip",
		Short: "Upgrade a device over Bluetooth Low Energy",
		Long: `This command upgrades an nRF51 or nRF52 device over its Secure DFU GATT
service. If the target address only exposes the Buttonless DFU service,
it is triggered first and nrfdfu reconnects to the bootloader's
DfuTarg advertisement, which comes up one MAC octet above the
application's address.`,
		Example: `nrfdfu ble --addr 4b668b2e16e41429fca7af1b0dc50644 FW.zip
nrfdfu ble --addr 4b668b2e16e41429fca7af1b0dc50644 --atype random FW.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(args[0])
		},
	})

	c.cmd.Flags().StringVarP(&c.addr, "addr", "a", "", "BLE address of the device to be upgraded")
	c.cmd.Flags().StringVar(&c.atype, "atype", "", "BLE address type: public or random")
	c.cmd.Flags().StringVarP(&c.intf, "intf", "i", config.DefaultBLEInterface, "HCI interface to use")
	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connecting to the device")

	return c
}

func (c *bleCommand) run(archivePath string) error {
	atype, err := config.ParseAddrType(c.atype)
	if err != nil {
		return err
	}
	cfg := &config.Config{
		Transport:    config.BLE,
		BLEInterface: c.intf,
		BLEPeerMAC:   c.addr,
		BLEAddrType:  atype,
		ArchivePath:  archivePath,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open DFU package")
	}
	defer arch.Close()

	client, err := nrfble.NewGoBleClient(func() (ble.Device, error) {
		return linux.NewDevice()
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize BLE device")
	}

	jww.INFO.Printf("connecting to %s\n", cfg.BLEPeerMAC)
	p, err := nrfble.ConnectWithRetry(context.Background(), client, cfg.BLEPeerMAC, connectRetryTries, connectRetryBackoff, c.timeout)
	if err != nil {
		return err
	}

	tr, err := nrfble.NewTransport(p)
	if err != nil {
		jww.WARN.Println("DFU service not found, trying buttonless entry")
		if err := nrfble.EnterBootloader(context.Background(), p); err != nil {
			p.Disconnect()
			return errors.Wrap(err, "failed to enter bootloader over buttonless DFU")
		}

		p, err = nrfble.ReconnectDfuTarg(context.Background(), client, cfg.BLEPeerMAC, dfuTargRetryTries, dfuTargRetryBackoff, c.timeout)
		if err != nil {
			return errors.Wrap(err, "failed to reconnect to DFU target")
		}
		tr, err = nrfble.NewTransport(p)
		if err != nil {
			p.Disconnect()
			return errors.Wrap(err, "DFU service not found on bootloader")
		}
	}

	disarm := orchestrator.WatchInterrupt(tr)
	defer disarm()

	dfuClient := dfuproto.NewClient(tr)
	if err := dfuClient.SetPRN(context.Background(), 0); err != nil {
		tr.Close()
		return errors.Wrap(err, "failed to configure receipt notifications")
	}

	bar := newProgressBar()
	var phase string
	err = orchestrator.Update(context.Background(), dfuClient, arch, func(p string, written, total int64) {
		if p != phase {
			phase = p
			bar.SetTotal(total)
			bar.SetCurrent(0)
			jww.INFO.Printf("transferring %s\n", p)
		}
		bar.SetCurrent(written)
	})

	closeErr := tr.Close()
	if err != nil {
		return errors.Wrap(err, "failed to upgrade device firmware")
	}
	bar.Finish()
	return closeErr
}
