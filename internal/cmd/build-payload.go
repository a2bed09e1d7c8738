package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kairos-io/emberboot/pkg/ops"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/kairos-io/emberboot/pkg/utils"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

var BuildPayloadCmd = cli.Command{
	Name:    "build-payload",
	Aliases: []string{"b"},
	Usage:   "Builds and patches the grub BIOS boot payload",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output directory (defaults to current directory)",
		},
		&cli.StringFlag{
			Name:  "grub-dir",
			Usage: "Directory the distro ships boot.img and the BIOS grub modules in",
		},
		&cli.StringFlag{
			Name:  "format",
			Usage: "grub2-mkimage output format",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "Grub prefix directory embedded into core.img",
		},
		&cli.StringSliceFlag{
			Name:  "module",
			Usage: "Grub module to bundle into core.img, repeatable. Empty means the default list",
		},
		&cli.StringFlag{
			Name:  "overlay",
			Usage: "Path of data copied over the payload dir after the build",
		},
		&cli.BoolFlag{
			Name:  "bundle",
			Usage: "Package the payload dir as a tar.gz next to it",
		},
		&cli.StringFlag{
			Name:  "oci",
			Usage: "Wrap the payload bundle into an OCI image tarball with the given reference",
		},
		&cli.StringFlag{
			Name:    "arch",
			Aliases: []string{"a"},
			Usage:   "Arch recorded in the OCI artifact",
		},
	},
	Before: func(ctx *cli.Context) error {
		overlay := ctx.String("overlay")
		if overlay != "" {
			ol, err := os.Stat(overlay)
			if err != nil {
				return fmt.Errorf("overlay directory does not exist: %s", overlay)
			}
			if !ol.IsDir() {
				return fmt.Errorf("overlay is not a directory: %s", overlay)
			}
			absolutePath, err := filepath.Abs(overlay)
			if err == nil {
				viper.Set("overlay", absolutePath)
			}
		}
		arch := ctx.String("arch")
		if arch != "" && !utils.IsAmd64(arch) && !utils.IsArm64(arch) {
			return fmt.Errorf("invalid architecture: %s, must be 'amd64' or 'arm64'", arch)
		}
		return nil
	},
	Action: func(ctx *cli.Context) error {
		dir := ctx.String("output")
		if dir == "" {
			var err error
			dir, err = os.Getwd()
			if err != nil {
				return err
			}
		}

		overlay := ctx.String("overlay")
		if viper.IsSet("overlay") {
			overlay = viper.GetString("overlay")
		}

		p := schema.Payload{
			GrubLibDir: ctx.String("grub-dir"),
			Format:     ctx.String("format"),
			Prefix:     ctx.String("prefix"),
			Modules:    ctx.StringSlice("module"),
			Overlay:    overlay,
		}

		b := ops.NewBiosPayload(dir, p)
		if err := b.Build(); err != nil {
			return err
		}
		if err := b.Verify(); err != nil {
			return err
		}

		if ctx.Bool("bundle") || ctx.String("oci") != "" {
			bundle := filepath.Join(filepath.Dir(dir), "payload.tar.gz")
			if err := ops.PackageBundle(func() string { return dir }, bundle)(ctx.Context); err != nil {
				return err
			}
			if oci := ctx.String("oci"); oci != "" {
				arch := ctx.String("arch")
				if arch == "" {
					arch = runtime.GOARCH
				}
				image := filepath.Join(filepath.Dir(dir), "payload-image.tar")
				return ops.PackageOCI(func() string { return bundle }, image, oci, arch)(ctx.Context)
			}
		}
		return nil
	},
}
