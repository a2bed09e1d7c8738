package constants

import (
	"os"
)

// The BIOS boot chain on a GPT disk is a pair of grub images:
//
//   - boot.img, the 512 byte boot sector program shipped with grub. At offset
//     0x5c it embeds the 8-byte LBA of the sector core.img starts at, and at
//     offset 0x66 a short jump that re-reads that sector from the partition
//     table at boot time.
//   - core.img, generated by grub-mkimage. Its first sector carries a
//     blocklist: at offset 0x1f4 sits the little endian sector number where
//     the rest of core.img continues on disk.
//
// We wire both images for a fixed layout where the BIOS boot partition starts
// at sector 2048: the jump in boot.img is replaced with NOPs so the embedded
// LBA is always used, and the core.img blocklist is pointed at the partition's
// second sector (2048+1). grub2-mkimage does everything else:
/*
grub2-mkimage -O i386-pc -o core.img -p /boot/grub2 biosdisk part_gpt part_msdos ext2 fat gzio normal search ...

 - -O i386-pc is the target format, BIOS is i386
 - -p is the prefix dir, where grub searches for grub.cfg and modules once it boots
 - the list at the end are the modules bundled into core.img
*/
const (
	// BootImgSize is the canonical size of the grub boot sector image.
	BootImgSize = 512

	// BootImgKernelSectorOffset is where boot.img stores the 8-byte LBA of
	// the first core.img sector. Written at disk assembly time.
	BootImgKernelSectorOffset = 0x5c

	// BootImgJumpOffset is the 2-byte jump in boot.img that re-reads the
	// core.img start sector at boot time. Patched out with NOPs.
	BootImgJumpOffset = 0x66

	// CoreImgBlocklistOffset is where the first sector of core.img stores
	// the 2-byte little endian sector number of its own continuation.
	CoreImgBlocklistOffset = 0x1f4

	// BiosBootPartStartSector is the fixed start of the BIOS boot partition
	// in our GPT layout. core.img lands at its head, so the blocklist
	// continuation sector is BiosBootPartStartSector+1.
	BiosBootPartStartSector = 2048

	// MBRBootCodeSize is how much of boot.img gets installed to LBA 0. The
	// remaining bytes hold the partition table and must not be clobbered.
	MBRBootCodeSize = 440

	DiskSectorSize = 512
)

// BootImgJumpNops returns the NOP sequence that replaces the boot.img jump.
func BootImgJumpNops() []byte {
	return []byte{0x90, 0x90}
}

const (
	GrubLibDir    = "/usr/lib/grub/i386-pc"
	GrubBiosImg   = "boot.img"
	GrubCoreImg   = "core.img"
	GrubFormat    = "i386-pc"
	GrubPrefixDir = "/boot/grub2"
	GrubMkimage   = "grub2-mkimage"

	EfiBootPath = "/EFI/BOOT"
	EfiLabel    = "COS_GRUB"
	GrubCfg     = "grub.cfg"

	// GrubEfiRecovery chainloads the real grub config from the recovery
	// partition, found by label since the embedded config runs too early for
	// anything smarter.
	GrubEfiRecovery = "search --no-floppy --label --set=root COS_RECOVERY" +
		"\nset root=($root)" +
		"\nset prefix=($root)/grub2\n" +
		"configfile ($root)/etc/cos/grub.cfg"

	EfiFallbackNamex86 = "BOOTX64.EFI"
	EfiFallbackNameArm = "BOOTAA64.EFI"

	// Default directory and file fileModes
	DirPerm        = os.ModeDir | os.ModePerm
	FilePerm       = 0666
	NoWriteDirPerm = 0555 | os.ModeDir
	TempDirPerm    = os.ModePerm | os.ModeSticky | os.ModeDir

	ArchArm64   = "arm64"
	Archx86     = "x86_64"
	ArchAmd64   = "amd64"
	Archaarch64 = "aarch64"

	DefaultCloudConfig = `#cloud-config
stages:
  initramfs:
    - name: "Set user and password"
      users:
        kairos:
          passwd: "kairos"
          groups:
            - "admin"`
)

// GrubModules returns the default module list handed to grub-mkimage, in
// invocation order.
func GrubModules() []string {
	return []string{
		"biosdisk", "part_gpt", "part_msdos",
		"ext2", "fat", "iso9660",
		"gzio", "normal", "echo", "configfile",
		"search", "search_label", "search_fs_file", "search_fs_uuid",
		"ls", "loadenv", "gettext", "font",
		"all_video", "test", "true", "chain", "boot",
	}
}

// Deployer op names
const (
	OpPrepareState   = "prepare-state"
	OpPreparePayload = "prepare-payload"
	OpPreparetmproot = "prepare-temp"

	OpDumpSource      = "dump-source"
	OpDownloadBundle  = "download-bundle"
	OpExtractBundle   = "extract-bundle"
	OpCopyCloudConfig = "copy-cloud-config"

	OpBuildBiosPayload = "build-bios-payload"
	OpBuildEfiPayload  = "build-efi-payload"
	OpPatchBiosImages  = "patch-bios-images"
	OpVerifyPayload    = "verify-payload"

	OpPackageBundle = "package-bundle"
	OpPackageOCI    = "package-oci"

	OpGenEFIRawDisk  = "gen-raw-disk"
	OpGenBIOSRawDisk = "gen-raw-bios-disk"
	OpConvertGCE     = "convert-gce"
	OpConvertVHD     = "convert-vhd"

	OpStartHTTPServer = "start-httpserver"
)

const MB = int64(1024 * 1024)
const GB = 1024 * MB
