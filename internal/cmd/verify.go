package cmd

import (
	"fmt"
	"math"

	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/ops"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/urfave/cli/v2"
)

var VerifyCmd = cli.Command{
	Name:      "verify",
	Aliases:   []string{"v"},
	Usage:     "Checks a payload dir is bootable: patches in place, EFI binaries parseable",
	ArgsUsage: "PAYLOAD_DIR",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "boot-offset",
			Usage: "Offset the boot.img jump was patched at, 0 keeps the default",
		},
		&cli.IntFlag{
			Name:  "core-offset",
			Usage: "Offset the core.img blocklist was patched at, 0 keeps the default",
		},
		&cli.Uint64Flag{
			Name:  "start-sector",
			Usage: "Sector the blocklist should point at, 0 keeps the default",
		},
	},
	Before: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single argument, the payload dir")
		}
		if s := ctx.Uint64("start-sector"); s > math.MaxUint16 {
			return fmt.Errorf("start-sector %d does not fit the 2-byte blocklist pointer", s)
		}
		return nil
	},
	Action: func(ctx *cli.Context) error {
		dir := ctx.Args().First()
		p := schema.Payload{
			BootPatchOffset: ctx.Int("boot-offset"),
			CorePatchOffset: ctx.Int("core-offset"),
			CoreStartSector: uint16(ctx.Uint64("start-sector")),
		}
		if err := ops.VerifyPayloadDir(dir, p); err != nil {
			return err
		}
		internal.Log.Logger.Info().Str("dir", dir).Msg("Payload verified")
		return nil
	},
}
