package cmd

import (
	"errors"
	"os"

	"github.com/kairos-io/emberboot/deployer"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/internal/config"
	sdkTypes "github.com/kairos-io/kairos-sdk/types"
	"github.com/urfave/cli/v2"
)

func GetApp(version string) *cli.App {
	return &cli.App{
		Name:     "EmberBoot",
		Version:  version,
		Authors:  []*cli.Author{{Name: "Kairos authors", Email: "members@kairos.io"}},
		Usage:    "emberboot",
		Commands: []*cli.Command{&BuildPayloadCmd, &PatchCmd, &VerifyCmd, &WebCMD},
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name: "set",
			},
			&cli.StringFlag{
				Name: "cloud-config",
			},
			&cli.BoolFlag{
				Name: "debug",
			},
		},
		Description: "EmberBoot builds grub boot payloads and bootable disk images for Kairos from a container image or a github release, and serves the results over HTTP.",
		UsageText:   ``,
		Copyright:   "Kairos authors",
		Action: func(ctx *cli.Context) error {
			internal.Log = sdkTypes.NewKairosLogger("ember", "info", false)

			if ctx.Bool("debug") {
				internal.Log.SetLevel("debug")
			}
			// disk assembly mounts partition images, nothing below works
			// without privileges
			if err := CheckRoot(); err != nil {
				return err
			}
			c, r, err := config.ReadConfig(ctx.Args().First(), ctx.String("cloud-config"), ctx.StringSlice("set"))
			if err != nil {
				return err
			}

			return deployer.Start(ctx.Context, c, r)
		},
	}
}

// CheckRoot is a helper which can add it to commands that require root
func CheckRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("this command requires root privileges")
	}
	return nil
}
