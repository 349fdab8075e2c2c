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

package cmd

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	nrfble "github.com/nrfdfu/nrfdfu/internal/ble"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

type bootCommand struct {
	*baseCommand

	timeout time.Duration
	address string
}

func newBootCommand() *bootCommand {
	c := &bootCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "boot",
		Short: "Reboot a device into DFU mode",
		Long: `This command reboots an nRF51 or nRF52 device running application
firmware into DFU mode over its Buttonless DFU service. The ble command
does this automatically if needed.`,
		Example: `nrfdfu boot --addr 4b668b2e16e41429fca7af1b0dc50644
nrfdfu boot --addr 4b668b2e16e41429fca7af1b0dc50644 --timeout=20s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBoot()
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connecting to the device")
	c.cmd.Flags().StringVarP(&c.address, "addr", "a", "", "Address of the device to be rebooted")

	return c
}

func (c *bootCommand) runBoot() error {
	if c.address == "" {
		return errors.New("no address specified, use --addr to specify the device address")
	}

	client, err := nrfble.NewGoBleClient(func() (ble.Device, error) {
		return linux.NewDevice()
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize BLE device")
	}

	jww.INFO.Printf("rebooting device '%s' into DFU mode\n", c.address)

	p, err := client.ConnectAddress(c.address, c.timeout)
	if err != nil {
		return errors.Wrap(err, "failed to connect to device")
	}
	defer p.Disconnect()

	if err := nrfble.EnterBootloader(context.Background(), p); err != nil {
		return errors.Wrap(err, "failed to boot device into DFU mode")
	}

	return nil
}
