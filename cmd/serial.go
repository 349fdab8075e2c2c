package cmd

import (
	"context"
	"time"

	"github.com/nrfdfu/nrfdfu/internal/archive"
	"github.com/nrfdfu/nrfdfu/internal/config"
	"github.com/nrfdfu/nrfdfu/internal/dfuproto"
	"github.com/nrfdfu/nrfdfu/internal/orchestrator"
	"github.com/nrfdfu/nrfdfu/internal/serial"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/cheggaaa/pb.v2"
)

type serialCommand struct {
	*baseCommand

	port         string
	baud         int
	cmdText      string
	cmdHex       string
	timeoutTries int
}

func newSerialCommand() *serialCommand {
	c := &serialCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "serial DFUPKG.zip",
		Short: "Upgrade a device over a SLIP-framed serial link",
		Long: `This command upgrades an nRF51 or nRF52 device that exposes the Secure DFU
bootloader over a UART, framed with SLIP. If the device normally runs
application firmware with a CLI DFU-entry command, pass it with --cmd or
--hexcmd to reboot it into the bootloader first.`,
		Example: `nrfdfu serial --port /dev/ttyUSB0 FW.zip
nrfdfu serial --port /dev/ttyACM0 --baud 115200 --cmd dfu FW.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(args[0])
		},
	})

	c.cmd.Flags().StringVarP(&c.port, "port", "p", config.DefaultSerialPort, "Serial device to use")
	c.cmd.Flags().IntVarP(&c.baud, "baud", "b", config.DefaultBaud, "Baud rate to open the port at (with --cmd/--hexcmd: the application CLI's rate; the link then switches to 115200)")
	c.cmd.Flags().StringVarP(&c.cmdText, "cmd", "c", "", "Text command to send before DFU entry, to reboot into the bootloader")
	c.cmd.Flags().StringVarP(&c.cmdHex, "hexcmd", "C", "", "Hex command to send before DFU entry (e.g. \"01 02 0a\")")
	c.cmd.Flags().IntVarP(&c.timeoutTries, "timeout", "t", config.DefaultSerialTimeoutTries, "Number of 1s pings to try before giving up on bootloader entry")

	return c
}

func (c *serialCommand) run(archivePath string) error {
	cfg := &config.Config{
		Transport:    config.Serial,
		SerialPort:   c.port,
		Baud:         c.baud,
		DFUCmdText:   c.cmdText,
		TimeoutTries: c.timeoutTries,
		ArchivePath:  archivePath,
	}
	if c.cmdHex != "" {
		hex, err := config.ParseHexCmd(c.cmdHex)
		if err != nil {
			return err
		}
		cfg.DFUCmdHex = hex
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open DFU package")
	}
	defer arch.Close()

	jww.INFO.Printf("opening %s at %d baud\n", cfg.SerialPort, cfg.Baud)
	tr, err := serial.Open(cfg.SerialPort, cfg.Baud)
	if err != nil {
		return errors.Wrap(err, "failed to open serial port")
	}

	disarm := orchestrator.WatchInterrupt(tr)
	defer disarm()

	if cfg.HasDFUCmd() {
		if err := enterSerialBootloader(tr, cfg); err != nil {
			tr.Close()
			return err
		}
	}

	client := dfuproto.NewClient(tr)
	ctx := context.Background()

	if err := client.SetPRN(ctx, 0); err != nil {
		tr.Close()
		return errors.Wrap(err, "failed to configure receipt notifications")
	}

	mtu, err := client.GetSerialMTU(ctx, serial.DefaultSLIPBufSize)
	if err != nil {
		tr.Close()
		return errors.Wrap(err, "failed to read device MTU")
	}
	tr.SetMTU(mtu)

	bar := newProgressBar()
	var phase string
	err = orchestrator.Update(ctx, client, arch, func(p string, written, total int64) {
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

// enterSerialBootloader sends the configured DFU-entry command, drains
// whatever echo the CLI prompt produced in response, switches the link
// back to the DFU baud rate, and waits for the bootloader to come up.
func enterSerialBootloader(tr *serial.Serial, cfg *config.Config) error {
	ctx := context.Background()
	body := cfg.DFUCmdHex
	if cfg.DFUCmdText != "" {
		body = []byte(cfg.DFUCmdText)
	}
	payload := append([]byte{'\r', '\r', '\r'}, append(body, '\r')...)

	jww.INFO.Println("sending DFU entry command")
	if err := tr.WriteRaw(ctx, payload); err != nil {
		return errors.Wrap(err, "failed to send DFU entry command")
	}
	tr.ReadRaw(ctx, time.Second)

	jww.INFO.Printf("switching back to %d baud\n", config.DefaultBaud)
	if err := tr.SetBaud(config.DefaultBaud); err != nil {
		return errors.Wrap(err, "failed to reset baud rate after DFU entry command")
	}

	for i := 0; i < cfg.TimeoutTries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		client := dfuproto.NewClient(tr)
		err := client.Ping(pingCtx)
		if err == nil {
			cancel()
			return nil
		}
		// Keep attempts at least 1s apart when a ping fails quickly.
		<-pingCtx.Done()
		cancel()
	}
	return errors.New("bootloader did not respond after DFU entry command")
}

func newProgressBar() *pb.ProgressBar {
	return pb.ProgressBarTemplate(`{{ white "DFU:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start(0)
}
