package ops

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/gofrs/uuid"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/bootpatch"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/utils"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	agentConstants "github.com/kairos-io/kairos-agent/v2/pkg/constants"
	"github.com/kairos-io/kairos-agent/v2/pkg/elemental"
	v1 "github.com/kairos-io/kairos-agent/v2/pkg/types/v1"
	agentUtils "github.com/kairos-io/kairos-agent/v2/pkg/utils"
	fsutils "github.com/kairos-io/kairos-agent/v2/pkg/utils/fs"
	sdkUtils "github.com/kairos-io/kairos-sdk/utils"
	"github.com/mudler/yip/pkg/schema"
	"github.com/twpayne/go-vfs/v5"
	"gopkg.in/yaml.v3"
)

const (
	modelRpi3 = "rpi3"
	modelRpi4 = "rpi4"
	modelRpi5 = "rpi5"
)

// RawImage assembles a bootable GPT disk image out of partition images.
// EFI disks get a fat32 boot partition with the EFI payload, BIOS disks get
// a BIOS boot partition that receives the patched core.img directly plus the
// boot sector code installed to LBA 0. OEM carries the cloud config, recovery
// carries the rootfs image under cOS/. The partition images are built with
// elemental, concatenated, and the GPT table is written with go-diskfs. No
// loop devices, no grub install binaries: the payload images are already
// wired for this exact layout.
type RawImage struct {
	CloudConfig string // cloud config to copy to the oem partition, if none provided a default one will be created with the kairos user
	Source      string // Source rootfs dir, becomes the recovery image
	Output      string // Output dir, final image name is derived from the source os-release data
	PayloadDir  string // Staged boot payload: patched boot.img/core.img for BIOS, EFI/BOOT tree for EFI
	FinalSize   uint64 // Final size of the disk image in MB

	tmpDir    string
	elemental *elemental.Elemental
	efi       bool
	config    *config.Config
}

// NewEFIRawImage creates a RawImage that assembles an EFI bootable disk.
// config is initialized with a default config to use the standard logger.
func NewEFIRawImage(source, output, payloadDir, cc string, finalsize uint64) *RawImage {
	cfg := config.NewConfig(config.WithLogger(internal.Log))
	return &RawImage{efi: true, config: cfg, Source: source, Output: output, PayloadDir: payloadDir, elemental: elemental.NewElemental(cfg), CloudConfig: cc, FinalSize: finalsize}
}

// NewBiosRawImage creates a RawImage that assembles a legacy BIOS bootable
// disk out of a patched payload dir.
func NewBiosRawImage(source, output, payloadDir, cc string, finalsize uint64) *RawImage {
	cfg := config.NewConfig(config.WithLogger(internal.Log))
	return &RawImage{efi: false, config: cfg, Source: source, Output: output, PayloadDir: payloadDir, elemental: elemental.NewElemental(cfg), CloudConfig: cc, FinalSize: finalsize}
}

// createOemPartitionImage creates an OEM partition image with the given cloud config
func (r *RawImage) createOemPartitionImage(recoveryImagePath string) (string, error) {
	// Create a temp dir for copying the files to
	tmpDirOem := filepath.Join(r.TempDir(), "oem")
	err := fsutils.MkdirAll(r.config.Fs, tmpDirOem, 0755)
	if err != nil {
		return "", err
	}
	defer r.config.Fs.RemoveAll(tmpDirOem)

	// This is where the oem partition will be mounted to copy the files to
	tmpDirOemMount := filepath.Join(r.TempDir(), "oem-mount")
	err = fsutils.MkdirAll(r.config.Fs, tmpDirOemMount, 0755)
	if err != nil {
		return "", err
	}
	defer r.config.Fs.RemoveAll(tmpDirOemMount)

	if r.CloudConfig != "" {
		internal.Log.Logger.Debug().Str("source", r.CloudConfig).Str("target", filepath.Join(tmpDirOem, "90_custom.yaml")).Msg("Copying cloud config to oem partition")
		err = fsutils.Copy(r.config.Fs, r.CloudConfig, filepath.Join(tmpDirOem, "90_custom.yaml"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("source", r.CloudConfig).Str("target", filepath.Join(tmpDirOem, "90_custom.yaml")).Msg("failed to copy cloud config")
			return "", err
		}
	} else {
		// Create a default cloud config yaml with at least a user
		internal.Log.Logger.Debug().Str("target", filepath.Join(tmpDirOem, "90_custom.yaml")).Msg("Creating default cloud config")
		err = r.config.Fs.WriteFile(filepath.Join(tmpDirOem, "90_custom.yaml"), []byte(constants.DefaultCloudConfig), 0o644)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("target", filepath.Join(tmpDirOem, "90_custom.yaml")).Msg("failed to write cloud config")
			return "", err
		}
	}

	// Set the grubenv to boot into recovery
	err = agentUtils.SetPersistentVariables(filepath.Join(tmpDirOem, "grubenv"), map[string]string{"next_entry": "recovery"}, r.config.Fs)
	if err != nil {
		return "", err
	}

	resetCloudInit := "01_reset.yaml"

	// Calculate the size of the state partition based on the recovery image size
	info, err := r.config.Fs.Stat(recoveryImagePath)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", recoveryImagePath).Msg("failed to stat recovery image")
		return "", err
	}

	size := (info.Size()*3 + 100*1024*1024) / (1024 * 1024)
	internal.Log.Logger.Debug().Int64("size", size).Msg("calculated state partition size")

	// First boot layout expansion:
	// - Adds a state partition with the calculated size
	// - Adds a persistent partition with the rest of the disk
	// - If the recovery mode file is present, it will run the reset command unattended
	// - If the reset cloud init file is present, it will remove it. So we dont get any traces of the extra config for raw images
	conf := &schema.YipConfig{
		Name: "Expand disk layout",
		Stages: map[string][]schema.Stage{
			"rootfs.before": {
				schema.Stage{
					Name: "Add state partition",
					Layout: schema.Layout{
						Device: &schema.Device{
							Label: agentConstants.RecoveryLabel,
						},
						Parts: []schema.Partition{
							{
								FSLabel:    agentConstants.StateLabel,
								Size:       uint(size),
								PLabel:     agentConstants.StatePartName,
								FileSystem: agentConstants.LinuxFs,
							},
						},
					},
				}, schema.Stage{
					Name: "Add persistent partition",
					Layout: schema.Layout{
						Device: &schema.Device{
							Label: agentConstants.RecoveryLabel,
						},
						Parts: []schema.Partition{
							{
								FSLabel:    agentConstants.PersistentLabel,
								Size:       0, // It will get expanded to the end of the disk
								PLabel:     agentConstants.PersistentPartName,
								FileSystem: agentConstants.LinuxFs,
							},
						},
					},
				},
			}, "network": {
				schema.Stage{
					If:   `[ -f "/run/cos/recovery_mode" ]`,
					Name: "Run auto reset",
					Commands: []string{
						"kairos-agent --debug reset --unattended --reboot",
					},
				},
			}, "after-reset": {
				schema.Stage{
					If:   `[ -f "/oem/` + resetCloudInit + `" ]`,
					Name: "Auto remove this file",
					Commands: []string{
						fmt.Sprintf("rm /oem/%s", resetCloudInit),
					},
				},
			},
		},
	}
	yipYAML, err := yaml.Marshal(conf)
	if err != nil {
		return "", err
	}
	internal.Log.Logger.Debug().Str("target", filepath.Join(tmpDirOem, resetCloudInit)).Msg("Creating reset cloud config")
	err = r.config.Fs.WriteFile(filepath.Join(tmpDirOem, resetCloudInit), yipYAML, 0o644)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", filepath.Join(tmpDirOem, resetCloudInit)).Msg("failed to write cloud config")
		return "", err
	}

	OemPartitionImage := v1.Image{
		File:       filepath.Join(r.TempDir(), "oem.img"),
		FS:         agentConstants.LinuxFs,
		Label:      agentConstants.OEMLabel,
		Size:       agentConstants.OEMSize,
		Source:     v1.NewDirSrc(tmpDirOem),
		MountPoint: tmpDirOemMount,
	}

	// Deploy the source to the image
	_, err = r.elemental.DeployImageNodirs(&OemPartitionImage, false)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", r.Source).Interface("image", OemPartitionImage).Msg("failed to create oem image")
		return "", err
	}

	return OemPartitionImage.File, nil
}

// createRecoveryPartitionImage creates a recovery partition image with the given source
// The source expects to be a directory with the rootfs to generate an image from
// This generates a recovery.img with the rootfs on it under /cOS/
// It also contains the final grub.cfg and, for BIOS disks, the grub modules
// core.img loads once the boot chain hands over.
func (r *RawImage) createRecoveryPartitionImage() (string, error) {
	// Create a temp dir for mounting the image to
	tmpDirRecoveryImage := filepath.Join(r.TempDir(), "recovery-img")
	err := fsutils.MkdirAll(r.config.Fs, tmpDirRecoveryImage, 0755)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", tmpDirRecoveryImage).Msg("failed to create temp dir")
		return "", err
	}
	defer r.config.Fs.RemoveAll(tmpDirRecoveryImage)

	// Create a dir to store the recovery partition contents
	tmpDirRecovery := filepath.Join(r.TempDir(), "recovery")
	err = fsutils.MkdirAll(r.config.Fs, tmpDirRecovery, 0755)
	if err != nil {
		return "", err
	}
	defer r.config.Fs.RemoveAll(tmpDirRecovery)

	err = fsutils.MkdirAll(r.config.Fs, filepath.Join(tmpDirRecovery, "cOS"), 0755)
	if err != nil {
		return "", err
	}

	recoveryImage := &v1.Image{
		File:       filepath.Join(tmpDirRecovery, "cOS", agentConstants.RecoveryImgFile),
		FS:         agentConstants.LinuxImgFs,
		Label:      agentConstants.SystemLabel,
		Source:     v1.NewDirSrc(r.Source),
		MountPoint: tmpDirRecoveryImage,
	}
	size, _ := config.GetSourceSize(r.config, recoveryImage.Source)
	// Add some extra space to the image in case the calculation is a bit off
	recoveryImage.Size = uint(size + 100)

	_, err = r.elemental.DeployImage(recoveryImage, false)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", r.Source).Interface("image", recoveryImage).Msg("failed to create recovery image")
		return "", err
	}

	// Copy the grub.cfg from the rootfs into the recovery partition
	internal.Log.Logger.Debug().Str("source", r.Source).Str("target", filepath.Join(tmpDirRecovery, filepath.Dir(agentConstants.GrubConf))).Msg("Copying grub.cfg")
	err = fsutils.MkdirAll(r.config.Fs, filepath.Join(tmpDirRecovery, filepath.Dir(agentConstants.GrubConf)), 0755)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", tmpDirRecovery).Msg("failed to create grub dir")
		return "", err
	}
	grubCfg, err := r.config.Fs.ReadFile(filepath.Join(r.Source, agentConstants.GrubConf))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", r.Source).Msg("failed to read grub.cfg")
		return "", err
	}
	err = r.config.Fs.WriteFile(filepath.Join(tmpDirRecovery, agentConstants.GrubConf), grubCfg, 0o644)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", tmpDirRecovery).Msg("failed to write grub.cfg")
		return "", err
	}

	// BIOS disks: core.img boots with its modules baked in and then reads
	// everything else from its prefix dir, which lives on this partition.
	if !r.efi {
		if err := r.stageBiosGrubDir(tmpDirRecovery); err != nil {
			return "", err
		}
	}

	// Now we create an image for the recovery partition
	// We use the dir we created with the image above, which contains the recovery.img and the grub.cfg stuff
	recoverPartitionImage := &v1.Image{
		File:       filepath.Join(r.TempDir(), "recovery.img"),
		FS:         agentConstants.LinuxFs,
		Label:      agentConstants.RecoveryLabel,
		Source:     v1.NewDirSrc(tmpDirRecovery),
		MountPoint: tmpDirRecoveryImage,
	}

	size, _ = config.GetSourceSize(r.config, recoveryImage.Source)
	// Add some extra space to the image in case the calculation is a bit off
	// we add an extra 50Mb of top as the recovery.img has to fit in there plus any artifacts we copy
	// Double the size as the partition needs to account for recovery and transition image during recovery upgrade
	recoverPartitionImage.Size = uint(size*2 + 150)

	_, err = r.elemental.DeployImageNodirs(recoverPartitionImage, false)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", r.Source).Interface("image", recoverPartitionImage).Msg("failed to create recovery image")
		return "", err
	}

	return recoverPartitionImage.File, nil
}

// stageBiosGrubDir copies the embedded grub.cfg and the i386-pc modules into
// the recovery partition staging dir, under the prefix core.img was built
// with.
func (r *RawImage) stageBiosGrubDir(tmpDirRecovery string) error {
	grubDir := filepath.Join(tmpDirRecovery, "grub2")
	err := fsutils.MkdirAll(r.config.Fs, grubDir, 0755)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", grubDir).Msg("failed to create grub dir")
		return err
	}
	err = r.config.Fs.WriteFile(filepath.Join(grubDir, constants.GrubCfg), []byte(constants.GrubEfiRecovery), 0o644)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", grubDir).Msg("failed to write grub.cfg")
		return err
	}

	// The module dir sits next to the patched images in the payload dir when
	// the payload build staged it, otherwise fall back to the system one.
	moduleSrc := filepath.Join(r.PayloadDir, constants.GrubFormat)
	if ok, _ := utils.Exists(r.config.Fs, moduleSrc); !ok {
		moduleSrc = constants.GrubLibDir
	}
	if ok, _ := utils.Exists(r.config.Fs, moduleSrc); !ok {
		internal.Log.Logger.Warn().Str("source", moduleSrc).Msg("no grub module dir found, recovery grub will only have the baked in modules")
		return nil
	}
	internal.Log.Logger.Debug().Str("source", moduleSrc).Str("target", filepath.Join(grubDir, constants.GrubFormat)).Msg("Copying grub modules")
	return utils.CopyDir(moduleSrc, filepath.Join(grubDir, constants.GrubFormat))
}

// createEFIPartitionImage creates an EFI partition image from the staged EFI
// payload, or stages one from the source rootfs when no payload was built.
func (r *RawImage) createEFIPartitionImage() (string, error) {
	// This is where the efi partition will be mounted to copy the files to
	tmpDirEfiMount := filepath.Join(r.TempDir(), "efi-mount")
	err := fsutils.MkdirAll(r.config.Fs, tmpDirEfiMount, 0755)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", tmpDirEfiMount).Msg("failed to create temp dir")
		return "", err
	}
	defer r.config.Fs.RemoveAll(tmpDirEfiMount)

	srcDir := r.PayloadDir
	if ok, _ := utils.Exists(r.config.Fs, filepath.Join(srcDir, "EFI", "BOOT")); !ok {
		tmpDirEfi := filepath.Join(r.TempDir(), "efi")
		err = fsutils.MkdirAll(r.config.Fs, tmpDirEfi, 0755)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("target", tmpDirEfi).Msg("failed to create temp dir")
			return "", err
		}
		defer r.config.Fs.RemoveAll(tmpDirEfi)

		payload := NewEfiPayload(r.Source, tmpDirEfi)
		payload.config = r.config
		if err := payload.Build(); err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to build efi payload")
			return "", err
		}
		srcDir = tmpDirEfi
	}

	model, _, err := r.GetModelAndFlavor()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to get flavor or model")
		return "", err
	}

	// Do board specific stuff
	if model == modelRpi4 || model == modelRpi5 {
		err = copyFirmwareRpi(srcDir, model)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to copy rpi firmware")
			return "", err
		}
	}

	efiPartitionImage := v1.Image{
		File:       filepath.Join(r.TempDir(), "efi.img"),
		FS:         agentConstants.EfiFs,
		Label:      agentConstants.EfiLabel,
		Size:       agentConstants.EfiSize,
		Source:     v1.NewDirSrc(srcDir),
		MountPoint: tmpDirEfiMount,
	}

	// Deploy the source to the image
	_, err = r.elemental.DeployImageNodirs(&efiPartitionImage, false)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", srcDir).Interface("image", efiPartitionImage).Msg("failed to create efi image")
		return "", err
	}

	return efiPartitionImage.File, nil
}

// createBiosPartitionImage creates the BIOS boot partition image. core.img is
// written into it after the partition table lands, so an empty region is all
// that is needed here.
func (r *RawImage) createBiosPartitionImage() (string, error) {
	f, err := r.config.Fs.Create(filepath.Join(r.TempDir(), "bios.img"))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", filepath.Join(r.TempDir(), "bios.img")).Msg("failed to create bios image")
		return "", err
	}
	err = f.Truncate(int64(agentConstants.BiosSize * 1024 * 1024))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", filepath.Join(r.TempDir(), "bios.img")).Msg("failed to truncate bios image")
		return "", err
	}
	err = f.Close()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", filepath.Join(r.TempDir(), "bios.img")).Msg("failed to close bios image")
		return "", err
	}

	return filepath.Join(r.TempDir(), "bios.img"), err
}

func (r *RawImage) TempDir() string {
	if r.tmpDir == "" {
		r.tmpDir, _ = fsutils.TempDir(r.config.Fs, "", "emberboot-raw-image-")
	}
	return r.tmpDir
}

func (r *RawImage) Build() error {
	var bootImagePath string
	var err error

	defer r.config.Fs.RemoveAll(r.TempDir())

	// keep raw disks named like the other artifacts:
	// kairos-ubuntu-24.04-core-amd64-generic-v3.2.4.raw
	outputName := fmt.Sprintf("kairos-%s.raw", utils.NameFromRootfs(r.Source))
	internal.Log.Logger.Debug().Str("name", outputName).Msg("Got output name")

	// Partition staging roughly triples the source size in temp files
	if free, err := availableBytes(r.TempDir()); err == nil && free > 0 {
		srcSize, _ := utils.DirSize(r.config.Fs, r.Source)
		if uint64(srcSize)*3 > free {
			internal.Log.Logger.Warn().Uint64("available", free).Int64("source", srcSize).Msg("low free space in temp dir, disk assembly may fail")
		}
	}

	internal.Log.Logger.Info().Msg("Creating RECOVERY image")
	recoveryImagePath, err := r.createRecoveryPartitionImage()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to create recovery partition")
		return err
	}
	defer r.config.Fs.Remove(recoveryImagePath)
	internal.Log.Logger.Info().Msg("Created RECOVERY image")

	internal.Log.Logger.Info().Msg("Creating BOOT image")
	if r.efi {
		bootImagePath, err = r.createEFIPartitionImage()
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to create efi partition")
			return err
		}
	} else {
		bootImagePath, err = r.createBiosPartitionImage()
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to create bios partition")
			return err
		}
	}
	defer r.config.Fs.Remove(bootImagePath)
	internal.Log.Logger.Info().Msg("Created BOOT image")

	// Oem after recovery, as it needs the recovery image to calculate the size of the state partition
	internal.Log.Logger.Info().Msg("Creating OEM image")
	oemImagePath, err := r.createOemPartitionImage(recoveryImagePath)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to create oem partition")
		return err
	}
	defer r.config.Fs.Remove(oemImagePath)
	internal.Log.Logger.Info().Msg("Created OEM image")

	// Create the final disk image
	internal.Log.Logger.Info().Str("target", filepath.Join(r.Output, outputName)).Msg("Assembling final disk image")
	err = r.createDiskImage(filepath.Join(r.Output, outputName), []string{bootImagePath, oemImagePath, recoveryImagePath})
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to create disk image")
		return err
	}
	info, err := r.config.Fs.Stat(filepath.Join(r.Output, outputName))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to stat final image")
		return err
	}
	// truncate the image to desired size
	if r.FinalSize > 0 && uint64(info.Size()) < r.FinalSize*1024*1024 {
		internal.Log.Logger.Info().Int64("size", info.Size()).Msg("Truncating final image")
		err = os.Truncate(filepath.Join(r.Output, outputName), int64(r.FinalSize*1024*1024))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to truncate final image")
			return err
		}
	}

	// Do some final adjustments for boards
	err = r.FinalizeImage(filepath.Join(r.Output, outputName))
	if err != nil {
		return err
	}
	internal.Log.Logger.Info().Str("target", filepath.Join(r.Output, outputName)).Msg("Assembled final disk image")

	return nil
}

// createDiskImage creates the final image by truncating the image with the proper size and
// concatenating the contents of the given partitions.
func (r *RawImage) createDiskImage(rawDiskFile string, partImgs []string) error {
	var initDiskFile, endDiskFile string
	var err error
	var partFiles []string
	var size uint64
	var table partition.Table
	var parts []*gpt.Partition

	internal.Log.Logger.Debug().Str("disk", rawDiskFile).Strs("parts", partImgs).Msg("Creating disk image")

	// Create disk image, 1Mb for alignment and GPT header
	// Then concat all partition images
	// Then add 1MB of free space at the end of the disk for gpt backup headers

	// Create the start and end images
	initDiskFile = filepath.Join(r.TempDir(), "init.raw")
	endDiskFile = filepath.Join(r.TempDir(), "end.raw")
	// THIS SIZE MARKS THE START SECTOR FOR THE PARTITIONS BELOW!
	// 1MB of empty disk head means the first partition starts at sector 2048,
	// which is exactly the LBA wired into the patched payload images.
	init, err := diskfs.Create(initDiskFile, 1*1024*1024, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", initDiskFile).Msg("failed to create init disk")
		return err
	}
	end, err := diskfs.Create(endDiskFile, 1*1024*1024, diskfs.Raw, diskfs.SectorSize512)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", endDiskFile).Msg("failed to create end disk")
		return err
	}
	err = init.Close()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", initDiskFile).Msg("failed to close init disk")
		return err
	}
	err = end.Close()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", endDiskFile).Msg("failed to close end disk")
		return err
	}

	// List and concatenate all image files
	partFiles = append(partFiles, initDiskFile)
	partFiles = append(partFiles, partImgs...)
	partFiles = append(partFiles, endDiskFile)
	err = utils.ConcatFiles(vfs.OSFS, partFiles, rawDiskFile)
	if err != nil {
		return err
	}

	// Add the partition table
	finalDisk, err := diskfs.Open(rawDiskFile)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to open final disk")
		return err
	}
	defer finalDisk.Close()

	// Truncate file to multiple of sector size
	stat, _ := os.Stat(rawDiskFile)
	size = roundToNearestSector(stat.Size(), finalDisk.LogicalBlocksize)
	err = os.Truncate(rawDiskFile, int64(size))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to truncate final disk")
		return err
	}

	// Create a GPT partition table
	// Bit 0: System partition This indicates the system that this is a required partition and to not mess with it.
	// Bit 2: Legacy BIOS bootable This indicates that this partition is bootable by legacy BIOS.
	if r.efi {
		// EFI
		stat, err = os.Stat(partImgs[0])
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("target", partImgs[0]).Msg("failed to stat efi partition")
			return err
		}
		size = roundToNearestSector(stat.Size(), finalDisk.LogicalBlocksize)
		parts = append(parts, &gpt.Partition{
			Start:      constants.BiosBootPartStartSector,
			End:        getSectorEndFromSize(constants.BiosBootPartStartSector, size, finalDisk.LogicalBlocksize),
			Type:       gpt.EFISystemPartition,
			Size:       size,
			Name:       agentConstants.EfiPartName,
			GUID:       uuid.NewV5(uuid.NamespaceURL, agentConstants.EfiLabel).String(),
			Attributes: 1 << 0, // Sets bit 0
		})
	} else {
		size = roundToNearestSector(int64(agentConstants.BiosSize*1024*1024), finalDisk.LogicalBlocksize)
		parts = append(parts, &gpt.Partition{
			Start:      constants.BiosBootPartStartSector,
			End:        getSectorEndFromSize(constants.BiosBootPartStartSector, size, finalDisk.LogicalBlocksize),
			Type:       gpt.BIOSBoot,
			Size:       size,
			Name:       agentConstants.BiosPartName,
			GUID:       uuid.NewV5(uuid.NamespaceURL, agentConstants.EfiLabel).String(), // Same name as EFI, COS_GRUB usually
			Attributes: (1 << 0) | (1 << 2),                                             // Sets bits 0 and 2
		})
	}

	// OEM
	stat, err = os.Stat(partImgs[1])
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", partImgs[1]).Msg("failed to stat oem partition")
		return err
	}
	size = roundToNearestSector(stat.Size(), finalDisk.LogicalBlocksize)
	parts = append(parts, &gpt.Partition{
		Start: parts[len(parts)-1].End + 1,
		End:   getSectorEndFromSize(parts[len(parts)-1].End+1, size, finalDisk.LogicalBlocksize),
		Type:  gpt.LinuxFilesystem,
		Size:  size,
		Name:  agentConstants.OEMPartName,
		GUID:  uuid.NewV5(uuid.NamespaceURL, agentConstants.OEMLabel).String(),
	})
	// Recovery
	stat, err = os.Stat(partImgs[2])
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", partImgs[2]).Msg("failed to stat recovery partition")
		return err
	}
	size = roundToNearestSector(stat.Size(), finalDisk.LogicalBlocksize)
	parts = append(parts, &gpt.Partition{
		Start: parts[len(parts)-1].End + 1,
		End:   getSectorEndFromSize(parts[len(parts)-1].End+1, size, finalDisk.LogicalBlocksize),
		Type:  gpt.LinuxFilesystem,
		Size:  size,
		Name:  agentConstants.RecoveryImgName,
		GUID:  uuid.NewV5(uuid.NamespaceURL, agentConstants.RecoveryLabel).String(),
	})

	table = &gpt.Table{
		ProtectiveMBR:      true,
		GUID:               agentConstants.DiskUUID, // Set known predictable UUID
		Partitions:         parts,
		LogicalSectorSize:  int(finalDisk.LogicalBlocksize),
		PhysicalSectorSize: int(finalDisk.PhysicalBlocksize),
	}
	err = finalDisk.Partition(table)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to partition final disk")
		return err
	}

	// BIOS disks still need the boot sector code and core.img in place, both
	// plain file writes since the images are pre patched for this layout.
	if !r.efi {
		err = r.installBootloader(rawDiskFile)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to install bootloader to final disk")
			return err
		}
	}

	internal.Log.Logger.Info().Str("disk", rawDiskFile).Msg("Created disk image")

	return nil
}

// installBootloader writes the patched grub images into the assembled disk:
// the first 440 bytes of boot.img to LBA 0 with the core.img LBA stamped at
// offset 0x5c, and core.img itself to the head of the BIOS boot partition.
// The blocklist patch already points core.img at its own second sector, so
// nothing here depends on loop devices or a grub install binary.
func (r *RawImage) installBootloader(rawDiskFile string) error {
	bootImgPath := filepath.Join(r.PayloadDir, constants.GrubBiosImg)
	bootImg, err := r.config.Fs.ReadFile(bootImgPath)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", bootImgPath).Msg("failed to read boot image")
		return err
	}
	if len(bootImg) < constants.MBRBootCodeSize {
		return fmt.Errorf("%s is %d bytes, expected at least %d", bootImgPath, len(bootImg), constants.MBRBootCodeSize)
	}

	// Only the boot code region goes to the disk. The bytes after it hold
	// the protective MBR partition table the GPT write just produced.
	bootCode := make([]byte, constants.MBRBootCodeSize)
	copy(bootCode, bootImg[:constants.MBRBootCodeSize])

	// Stamp the core.img location. The jump that would re-read it at boot
	// time was already patched out, so this LBA is authoritative.
	lba := make([]byte, 8)
	binary.LittleEndian.PutUint64(lba, constants.BiosBootPartStartSector)
	if err := bootpatch.Apply(constants.GrubBiosImg, bootCode, constants.BootImgKernelSectorOffset, lba); err != nil {
		return err
	}

	disk, err := os.OpenFile(rawDiskFile, os.O_WRONLY, 0)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to open final disk")
		return err
	}
	if _, err := disk.WriteAt(bootCode, 0); err != nil {
		disk.Close()
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to write boot code")
		return err
	}
	if err := disk.Close(); err != nil {
		return err
	}

	internal.Log.Logger.Debug().Str("source", filepath.Join(r.PayloadDir, constants.GrubCoreImg)).Int("sector", constants.BiosBootPartStartSector).Msg("Writing core image to bios boot partition")
	err = utils.DD(filepath.Join(r.PayloadDir, constants.GrubCoreImg), rawDiskFile, constants.DiskSectorSize, 0, 0, constants.BiosBootPartStartSector)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", rawDiskFile).Msg("failed to write core image")
		return err
	}

	return nil
}

// Helper function to calculate the end sector for a given start and size based on the sector size
func getSectorEndFromSize(start, size uint64, sectorSize int64) uint64 {
	return (size / uint64(sectorSize)) + start - 1
}

// Helper function to round size to the nearest multiple of the sector size
func roundToNearestSector(size, sector int64) uint64 {
	if size%sector == 0 {
		return uint64(size)
	}
	return uint64(size + sector - (size % sector))
}

// GetModelAndFlavor returns the model and flavor of the source rootfs
func (r *RawImage) GetModelAndFlavor() (string, string, error) {
	var flavor string
	var model string
	var err error

	if _, ok := r.config.Fs.Stat(filepath.Join(r.Source, "etc/kairos-release")); ok == nil {
		flavor, err = sdkUtils.OSRelease("FLAVOR", filepath.Join(r.Source, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get flavor")
			return "", "", err
		}
		model, err = sdkUtils.OSRelease("MODEL", filepath.Join(r.Source, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get model")
			return "", "", err
		}
	} else {
		// Fallback to /etc/os-release for older images
		flavor, err = sdkUtils.OSRelease("FLAVOR", filepath.Join(r.Source, "etc/os-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get flavor")
			return "", "", err
		}
		model, err = sdkUtils.OSRelease("MODEL", filepath.Join(r.Source, "etc/os-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get model")
			return "", "", err
		}
	}

	if flavor == "" || model == "" {
		internal.Log.Logger.Error().Msg("failed to get flavor or model")
		return "", "", fmt.Errorf("failed to get flavor or model")
	}

	internal.Log.Logger.Debug().Str("flavor", flavor).Msg("got flavor")
	internal.Log.Logger.Debug().Str("model", model).Msg("got model")

	return model, flavor, nil
}

// FinalizeImage does some final adjustments to the image
func (r *RawImage) FinalizeImage(image string) error {
	var err error

	// Get the model
	model, _, err := r.GetModelAndFlavor()
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to get flavor or model")
		return err
	}

	// Do board specific stuff
	switch model {
	case modelRpi5, modelRpi4, modelRpi3:
		internal.Log.Logger.Debug().Str("model", model).Msg("Running on RPI.")
	case "odroid-c2":
		internal.Log.Logger.Debug().Str("model", model).Msg("Running on Odroid-C2.")
		err = utils.DD("/firmware/odroid-c2/bl1.bin.hardkernel", image, 1, 442, 0, 0)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to dd bl1.bin.hardkernel")
			return err
		}
		err = utils.DD("/firmware/odroid-c2/bl1.bin.hardkernel", image, 512, 0, 1, 1)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to dd bl1.bin.hardkernel")
			return err
		}
		err = utils.DD("/firmware/odroid-c2/u-boot.odroidc2", image, 512, 0, 0, 97)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to dd u-boot.odroidc2")
			return err
		}
	case "pinebookpro":
		internal.Log.Logger.Debug().Str("model", model).Msg("Running on Pinebook Pro.")
		err = utils.DD("/pinebookpro/u-boot/usr/lib/u-boot/pinebook-pro-rk3399/idbloader.img", image, 64, 0, 0, 0)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to dd idbloader.img")
			return err
		}
		err = utils.DD("/pinebookpro/u-boot/usr/lib/u-boot/pinebook-pro-rk3399/u-boot.itb", image, 16384, 0, 0, 0)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to dd u-boot.itb")
			return err
		}
	}

	// Set the final image to be used by all as we run inside a container and the image is owned by root otherwise
	err = r.config.Fs.Chmod(image, 0777)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to chmod final image")
		return err
	}
	return nil
}
