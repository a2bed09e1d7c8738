package cmd

import (
	"fmt"
	"math"

	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/bootpatch"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	"github.com/urfave/cli/v2"
)

var PatchCmd = cli.Command{
	Name:      "patch",
	Aliases:   []string{"p"},
	Usage:     "Patches grub images in place for the fixed disk layout",
	ArgsUsage: "BOOT_IMG CORE_IMG (either may be '-' to skip it)",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "boot-offset",
			Usage: "Offset of the jump patched inside boot.img, -1 keeps the default",
			Value: -1,
		},
		&cli.IntFlag{
			Name:  "core-offset",
			Usage: "Offset of the blocklist pointer patched inside core.img, -1 keeps the default",
			Value: -1,
		},
		&cli.Uint64Flag{
			Name:  "start-sector",
			Usage: "Absolute sector written into the core.img blocklist, 0 keeps the default",
		},
	},
	Before: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 2 {
			return fmt.Errorf("expected two arguments, the boot image and the core image")
		}
		if ctx.Args().Get(0) == "-" && ctx.Args().Get(1) == "-" {
			return fmt.Errorf("both images skipped, nothing to patch")
		}
		if s := ctx.Uint64("start-sector"); s > math.MaxUint16 {
			return fmt.Errorf("start-sector %d does not fit the 2-byte blocklist pointer", s)
		}
		return nil
	},
	Action: func(ctx *cli.Context) error {
		cfg := config.NewConfig(config.WithLogger(internal.Log))

		if bootImg := ctx.Args().Get(0); bootImg != "-" {
			b := bootpatch.NewBootSector()
			if off := ctx.Int("boot-offset"); off >= 0 {
				b.Offset = off
			}
			if err := b.PatchFile(cfg.Fs, bootImg); err != nil {
				return err
			}
			internal.Log.Logger.Info().Str("image", bootImg).Int("offset", b.Offset).Msg("Patched boot image")
		}

		if coreImg := ctx.Args().Get(1); coreImg != "-" {
			c := bootpatch.NewCoreImage()
			if off := ctx.Int("core-offset"); off >= 0 {
				c.Offset = off
			}
			if s := ctx.Uint64("start-sector"); s != 0 {
				c.StartSector = uint16(s)
			}
			if err := c.PatchFile(cfg.Fs, coreImg); err != nil {
				return err
			}
			internal.Log.Logger.Info().Str("image", coreImg).Int("offset", c.Offset).Uint16("sector", c.StartSector).Msg("Patched core image")
		}

		return nil
	},
}
