package deployer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/ops"
	"github.com/spectrocloud-labs/herd"
)

func (d *Deployer) StepPrepStateDir() error {
	return d.Add(constants.OpPrepareState, herd.WithCallback(
		func(ctx context.Context) error {
			return os.MkdirAll(d.destination(), 0755)
		},
	))
}

func (d *Deployer) StepPrepTmpRootDir() error {
	return d.Add(constants.OpPreparetmproot, herd.WithCallback(
		func(ctx context.Context) error {
			err := os.RemoveAll(d.tmpRootFs())
			if err != nil {
				internal.Log.Logger.Error().Err(err).Msg("Failed to remove temp rootfs")
				return err
			}
			return os.MkdirAll(d.tmpRootFs(), 0755)
		},
	))
}

func (d *Deployer) StepPrepPayloadDir() error {
	return d.Add(constants.OpPreparePayload, herd.WithCallback(
		func(ctx context.Context) error {
			err := os.RemoveAll(d.payloadDir())
			if err != nil {
				internal.Log.Logger.Error().Err(err).Msg("Failed to remove payload dir")
				return err
			}
			return os.MkdirAll(d.payloadDir(), 0755)
		},
	))
}

// CleanTmpDirs removes the temp rootfs and bundle download directories when
// finished to not leave things around
func (d *Deployer) CleanTmpDirs() error {
	var err *multierror.Error
	err = multierror.Append(err, os.RemoveAll(d.tmpRootFs()))
	if err.ErrorOrNil() != nil {
		internal.Log.Logger.Error().Err(err).Msg("Failed to remove temp rootfs")
	}

	err = multierror.Append(err, os.RemoveAll(d.bundleDir()))
	return err.ErrorOrNil()
}

func (d *Deployer) StepCopyCloudConfig() error {
	return d.Add(constants.OpCopyCloudConfig,
		herd.WithDeps(constants.OpPrepareState),
		herd.WithCallback(func(ctx context.Context) error {
			return os.WriteFile(d.cloudConfigPath(), []byte(d.Config.CloudConfig), 0600)
		}))
}

func (d *Deployer) StepDumpSource() error {
	// Ops to generate the rootfs from a container image
	return d.Add(constants.OpDumpSource,
		herd.EnableIf(d.fromImage),
		herd.WithDeps(constants.OpPreparetmproot),
		herd.WithCallback(ops.DumpSource(d.Artifact.ContainerImage, d.tmpRootFs, d.Artifact.Platform)))
}

func (d *Deployer) StepDownloadBundle() error {
	return d.Add(constants.OpDownloadBundle,
		herd.EnableIf(d.fromRelease),
		herd.WithCallback(func(ctx context.Context) error {
			if err := os.MkdirAll(d.bundleDir(), 0755); err != nil {
				return err
			}
			return ops.DownloadArtifact(d.Artifact.BundleURL(), d.bundleDir())(ctx)
		}))
}

func (d *Deployer) StepExtractBundle() error {
	return d.Add(constants.OpExtractBundle,
		herd.EnableIf(d.fromRelease),
		herd.WithDeps(constants.OpDownloadBundle, constants.OpPreparePayload),
		herd.WithCallback(ops.ExtractBundle(d.bundleFile, d.payloadDir())))
}

func (d *Deployer) StepBuildBiosPayload() error {
	return d.Add(constants.OpBuildBiosPayload,
		herd.EnableIf(d.biosPayloadWanted),
		herd.WithDeps(constants.OpPreparePayload),
		herd.WithCallback(func(ctx context.Context) error {
			b := ops.NewBiosPayload(d.payloadDir(), d.Config.Payload)
			if err := b.CopyBootImage(); err != nil {
				return err
			}
			return b.BuildCoreImage()
		}))
}

func (d *Deployer) StepPatchBiosImages() error {
	return d.Add(constants.OpPatchBiosImages,
		herd.EnableIf(d.biosPayloadWanted),
		herd.WithDeps(constants.OpBuildBiosPayload),
		herd.WithCallback(func(ctx context.Context) error {
			b := ops.NewBiosPayload(d.payloadDir(), d.Config.Payload)
			if err := b.Patch(); err != nil {
				return err
			}
			return b.ApplyOverlay()
		}))
}

func (d *Deployer) StepBuildEfiPayload() error {
	return d.Add(constants.OpBuildEfiPayload,
		herd.EnableIf(d.efiPayloadWanted),
		herd.WithDeps(constants.OpPreparePayload, constants.OpDumpSource),
		herd.WithCallback(func(ctx context.Context) error {
			return ops.NewEfiPayload(d.tmpRootFs(), d.payloadDir()).Build()
		}))
}

// StepVerifyPayload re-reads whatever landed in the payload dir and checks it
// is actually bootable: patches in place, EFI binaries parseable.
func (d *Deployer) StepVerifyPayload() error {
	return d.Add(constants.OpVerifyPayload,
		herd.EnableIf(func() bool { return d.fromRelease() || d.biosPayloadWanted() || d.efiPayloadWanted() }),
		herd.IfElse(d.fromRelease(),
			herd.WithDeps(constants.OpExtractBundle),
			herd.WithDeps(constants.OpPatchBiosImages),
		),
		herd.ConditionalOption(d.efiPayloadWanted, herd.WithDeps(constants.OpBuildEfiPayload)),
		herd.WithCallback(func(ctx context.Context) error {
			return ops.VerifyPayloadDir(d.payloadDir(), d.Config.Payload)
		}))
}

func (d *Deployer) StepPackageBundle() error {
	return d.Add(constants.OpPackageBundle,
		herd.EnableIf(func() bool { return d.Config.Payload.Bundle || d.Config.Payload.OCI != "" }),
		herd.WithDeps(constants.OpVerifyPayload, constants.OpPrepareState),
		herd.WithCallback(ops.PackageBundle(d.payloadDir, d.bundlePath())))
}

func (d *Deployer) StepPackageOCI() error {
	return d.Add(constants.OpPackageOCI,
		herd.EnableIf(func() bool { return d.Config.Payload.OCI != "" }),
		herd.WithDeps(constants.OpPackageBundle),
		herd.WithCallback(ops.PackageOCI(d.bundlePath, d.ociPath(), d.Config.Payload.OCI, d.arch())))
}

// StepGenEFIRawDisk Generate the raw disk image.
// Enabled if disk.efi or disk.vhd or disk.gce is explicitly set, as the
// converted formats depend on the efi disk
func (d *Deployer) StepGenEFIRawDisk() error {
	return d.Add(constants.OpGenEFIRawDisk,
		herd.EnableIf(func() bool { return d.efiDiskIsSet() && d.fromImage() }),
		herd.WithDeps(constants.OpDumpSource, constants.OpCopyCloudConfig, constants.OpVerifyPayload),
		herd.WithCallback(func(ctx context.Context) error {
			return ops.NewEFIRawImage(d.tmpRootFs(), d.rawDiskPath(), d.payloadDir(), d.cloudConfigPath(), d.rawDiskSize()).Build()
		}))
}

func (d *Deployer) StepGenBIOSRawDisk() error {
	return d.Add(constants.OpGenBIOSRawDisk,
		herd.EnableIf(func() bool { return d.Config.Disk.BIOS && d.fromImage() }),
		herd.WithDeps(constants.OpDumpSource, constants.OpCopyCloudConfig, constants.OpVerifyPayload),
		herd.WithCallback(func(ctx context.Context) error {
			return ops.NewBiosRawImage(d.tmpRootFs(), d.rawDiskPath(), d.payloadDir(), d.cloudConfigPath(), d.rawDiskSize()).Build()
		}))
}

func (d *Deployer) StepConvertGCE() error {
	return d.Add(constants.OpConvertGCE,
		herd.EnableIf(func() bool { return d.Config.Disk.GCE }),
		herd.WithDeps(constants.OpGenEFIRawDisk),
		herd.WithCallback(func(ctx context.Context) error {
			raw, err := d.findRawDisk()
			if err != nil {
				return err
			}
			_, err = ops.Raw2Gce(raw)
			return err
		}))
}

func (d *Deployer) StepConvertVHD() error {
	return d.Add(constants.OpConvertVHD,
		herd.EnableIf(func() bool { return d.Config.Disk.VHD }),
		herd.WithDeps(constants.OpGenEFIRawDisk),
		herd.WithCallback(func(ctx context.Context) error {
			raw, err := d.findRawDisk()
			if err != nil {
				return err
			}
			_, err = ops.Raw2Azure(raw)
			return err
		}))
}

func (d *Deployer) StepStartHTTPServer() error {
	return d.Add(constants.OpStartHTTPServer,
		herd.Background,
		herd.EnableIf(func() bool { return !d.Config.DisableHTTPServer }),
		herd.WithDeps(constants.OpCopyCloudConfig),
		herd.ConditionalOption(d.efiDiskIsSet, herd.WithDeps(constants.OpGenEFIRawDisk)),
		herd.ConditionalOption(func() bool { return d.Config.Disk.BIOS }, herd.WithDeps(constants.OpGenBIOSRawDisk)),
		herd.ConditionalOption(func() bool { return d.Config.Payload.Bundle || d.Config.Payload.OCI != "" }, herd.WithDeps(constants.OpPackageBundle)),
		herd.WithCallback(ops.ServeArtifacts(d.listenAddr(), d.destination())),
	)
}

func (d *Deployer) fromImage() bool {
	return d.Artifact.ContainerImage != ""
}

// fromRelease means the payload comes prebuilt from a published bundle
// instead of being staged locally.
func (d *Deployer) fromRelease() bool {
	return d.Artifact.Repository != "" && d.Artifact.ReleaseVersion != ""
}

func (d *Deployer) biosPayloadWanted() bool {
	// BIOS images are staged for BIOS disks, and for payload-only builds
	return !d.fromRelease() && (d.Config.Disk.BIOS || !d.rawDiskIsSet())
}

func (d *Deployer) efiPayloadWanted() bool {
	// the EFI tree needs a source rootfs to lift the signed binaries from
	return !d.fromRelease() && d.fromImage() && (d.efiDiskIsSet() || !d.rawDiskIsSet())
}

func (d *Deployer) tmpRootFs() string {
	return d.Config.StateDir("temp-rootfs")
}

func (d *Deployer) payloadDir() string {
	return d.Config.StateDir("payload")
}

func (d *Deployer) bundleDir() string {
	return d.Config.StateDir("bundle")
}

// bundleFile is where the downloaded release bundle lands, grab keeps the
// URL base name.
func (d *Deployer) bundleFile() string {
	return filepath.Join(d.bundleDir(), filepath.Base(d.Artifact.BundleURL()))
}

// bundlePath is the packaged output bundle, next to the other artifacts.
func (d *Deployer) bundlePath() string {
	return filepath.Join(d.destination(), "payload.tar.gz")
}

func (d *Deployer) ociPath() string {
	return filepath.Join(d.destination(), "payload-image.tar")
}

func (d *Deployer) destination() string {
	return d.Config.State
}

// Returns true if any of the options for raw disk is set
func (d *Deployer) rawDiskIsSet() bool {
	return d.Config.Disk.VHD || d.Config.Disk.EFI || d.Config.Disk.GCE || d.Config.Disk.BIOS
}

func (d *Deployer) efiDiskIsSet() bool {
	return d.Config.Disk.EFI || d.Config.Disk.GCE || d.Config.Disk.VHD
}

func (d *Deployer) cloudConfigPath() string {
	return filepath.Join(d.destination(), "config.yaml")
}

// Return only the path to the output dir, the image name is generated based on the rootfs
func (d *Deployer) rawDiskPath() string {
	return d.destination()
}

// findRawDisk locates the assembled raw image, its name is derived from the
// rootfs at build time so the conversion steps glob for it.
func (d *Deployer) findRawDisk() (string, error) {
	matches, err := filepath.Glob(filepath.Join(d.rawDiskPath(), "*.raw"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("expected a single raw disk under %s, found %d", d.rawDiskPath(), len(matches))
	}
	return matches[0], nil
}

func (d *Deployer) arch() string {
	if d.Artifact.Platform != "" {
		return d.Artifact.Platform
	}
	return runtime.GOARCH
}

func (d *Deployer) listenAddr() string {
	listenAddr := ":8080"
	if d.Config.ListenAddr != "" {
		listenAddr = d.Config.ListenAddr
	}

	return listenAddr
}

func (d *Deployer) rawDiskSize() uint64 {
	// parse the string into a uint64
	// the size is in Mb
	if d.Config.Disk.Size == "" {
		return 0
	}
	sizeInt, err := strconv.ParseUint(d.Config.Disk.Size, 10, 64)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("arg", d.Config.Disk.Size).Msg("Failed to parse disk size, setting value to 0")
		return 0
	}
	return sizeInt
}
