package ops

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/bootpatch"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/kairos-io/emberboot/pkg/utils"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	fsutils "github.com/kairos-io/kairos-agent/v2/pkg/utils/fs"
	cp "github.com/otiai10/copy"
)

// BiosPayload stages the pair of grub images the BIOS boot chain needs:
// boot.img copied from the grub lib dir and core.img generated by
// grub2-mkimage, both patched for the fixed GPT layout.
type BiosPayload struct {
	LibDir  string   // where the distro ships boot.img and the BIOS modules
	Format  string   // grub2-mkimage -O value
	Prefix  string   // grub prefix dir embedded into core.img
	Modules []string // modules bundled into core.img, in order
	Overlay string   // copied over the payload dir after the build, may be empty
	Dir     string   // payload staging dir

	boot   bootpatch.BootSector
	core   bootpatch.CoreImage
	config *config.Config
}

// NewBiosPayload seeds a payload build from the yaml payload block. Empty
// fields fall back to the defaults, patch override fields of 0 keep the
// canonical offsets. Extra options go to the underlying agent config, tests
// use them to swap in a fake runner and fs.
func NewBiosPayload(dir string, p schema.Payload, opts ...config.GenericOptions) *BiosPayload {
	cfg := config.NewConfig(append([]config.GenericOptions{config.WithLogger(internal.Log)}, opts...)...)
	b := &BiosPayload{
		LibDir:  p.GrubLibDir,
		Format:  p.Format,
		Prefix:  p.Prefix,
		Modules: p.Modules,
		Overlay: p.Overlay,
		Dir:     dir,
		boot:    bootpatch.NewBootSector(),
		core:    bootpatch.NewCoreImage(),
		config:  cfg,
	}
	if b.LibDir == "" {
		b.LibDir = constants.GrubLibDir
	}
	if b.Format == "" {
		b.Format = constants.GrubFormat
	}
	if b.Prefix == "" {
		b.Prefix = constants.GrubPrefixDir
	}
	if len(b.Modules) == 0 {
		b.Modules = constants.GrubModules()
	}
	if p.BootPatchOffset != 0 {
		b.boot.Offset = p.BootPatchOffset
	}
	if p.CorePatchOffset != 0 {
		b.core.Offset = p.CorePatchOffset
	}
	if p.CoreStartSector != 0 {
		b.core.StartSector = p.CoreStartSector
	}
	return b
}

// CopyBootImage copies the shipped boot.img from the grub lib dir into the
// payload dir, untouched. Patching happens in a separate step so a failed
// patch never leaves a half written image behind.
func (b *BiosPayload) CopyBootImage() error {
	src := filepath.Join(b.LibDir, constants.GrubBiosImg)
	dst := filepath.Join(b.Dir, constants.GrubBiosImg)
	internal.Log.Logger.Debug().Str("source", src).Str("target", dst).Msg("Copying boot image")
	if err := fsutils.MkdirAll(b.config.Fs, b.Dir, 0755); err != nil {
		return err
	}
	if err := utils.CopyFile(b.config.Fs, src, dst); err != nil {
		internal.Log.Logger.Error().Err(err).Str("source", src).Msg("failed to copy boot image")
		return err
	}
	return nil
}

// BuildCoreImage generates core.img into the payload dir with grub2-mkimage.
// The module list order is preserved, grub links them into the image in the
// order given.
func (b *BiosPayload) BuildCoreImage() error {
	target := filepath.Join(b.Dir, constants.GrubCoreImg)
	args := []string{
		"-O", b.Format,
		"-o", target,
		"-p", b.Prefix,
		"-d", b.LibDir,
	}
	args = append(args, b.Modules...)
	internal.Log.Logger.Debug().Strs("args", args).Msg("Running grub2-mkimage")
	out, err := b.config.Runner.Run(constants.GrubMkimage, args...)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("output", string(out)).Msg("failed to generate core image")
		return fmt.Errorf("generating %s: %w", target, err)
	}
	return nil
}

// Patch applies the boot sector and core image patches to the staged files.
func (b *BiosPayload) Patch() error {
	bootImg := filepath.Join(b.Dir, constants.GrubBiosImg)
	internal.Log.Logger.Debug().Str("target", bootImg).Int("offset", b.boot.Offset).Msg("Patching boot sector jump")
	if err := b.boot.PatchFile(b.config.Fs, bootImg); err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", bootImg).Msg("failed to patch boot image")
		return err
	}

	coreImg := filepath.Join(b.Dir, constants.GrubCoreImg)
	internal.Log.Logger.Debug().Str("target", coreImg).Int("offset", b.core.Offset).Uint16("sector", b.core.StartSector).Msg("Patching core image blocklist")
	if err := b.core.PatchFile(b.config.Fs, coreImg); err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", coreImg).Msg("failed to patch core image")
		return err
	}
	return nil
}

// ApplyOverlay copies the user overlay dir on top of the payload dir. Files
// win over the staged ones, that is the point of an overlay.
func (b *BiosPayload) ApplyOverlay() error {
	if b.Overlay == "" {
		return nil
	}
	internal.Log.Logger.Info().Str("source", b.Overlay).Str("target", b.Dir).Msg("Copying overlay to payload dir")
	return cp.Copy(b.Overlay, b.Dir)
}

// Build runs the full staging sequence: copy, mkimage, patch, overlay.
func (b *BiosPayload) Build() error {
	if err := b.CopyBootImage(); err != nil {
		return err
	}
	if err := b.BuildCoreImage(); err != nil {
		return err
	}
	if err := b.Patch(); err != nil {
		return err
	}
	return b.ApplyOverlay()
}

// Verify re-reads the staged images and reports whether the patches are in
// place. Used by the verify command so a payload can be checked long after it
// was built.
func (b *BiosPayload) Verify() error {
	bootImg, err := b.config.Fs.ReadFile(filepath.Join(b.Dir, constants.GrubBiosImg))
	if err != nil {
		return &bootpatch.IOError{Op: "read", Path: filepath.Join(b.Dir, constants.GrubBiosImg), Err: err}
	}
	if !verified(bootImg, b.boot.Offset, b.boot.Code) {
		return fmt.Errorf("%s: jump at offset %d is not patched", constants.GrubBiosImg, b.boot.Offset)
	}

	coreImg, err := b.config.Fs.ReadFile(filepath.Join(b.Dir, constants.GrubCoreImg))
	if err != nil {
		return &bootpatch.IOError{Op: "read", Path: filepath.Join(b.Dir, constants.GrubCoreImg), Err: err}
	}
	want := make([]byte, 2)
	want[0] = byte(b.core.StartSector)
	want[1] = byte(b.core.StartSector >> 8)
	if !verified(coreImg, b.core.Offset, want) {
		return fmt.Errorf("%s: blocklist at offset %d does not point at sector %d", constants.GrubCoreImg, b.core.Offset, b.core.StartSector)
	}
	return nil
}

// VerifyPayloadDir checks whatever landed in dir: the BIOS image pair, the
// EFI tree or both. A dir with neither is an error, an empty payload boots
// nothing.
func VerifyPayloadDir(dir string, p schema.Payload) error {
	var checked bool
	if _, err := os.Stat(filepath.Join(dir, constants.GrubBiosImg)); err == nil {
		if err := NewBiosPayload(dir, p).Verify(); err != nil {
			return err
		}
		checked = true
	}
	if _, err := os.Stat(filepath.Join(dir, "EFI", "BOOT")); err == nil {
		if err := NewEfiPayload("", dir).Verify(); err != nil {
			return err
		}
		checked = true
	}
	if !checked {
		return fmt.Errorf("payload dir %s has neither BIOS images nor an EFI tree", dir)
	}
	return nil
}

func verified(buf []byte, offset int, want []byte) bool {
	if offset < 0 || offset+len(want) > len(buf) {
		return false
	}
	for i, c := range want {
		if buf[offset+i] != c {
			return false
		}
	}
	return true
}
