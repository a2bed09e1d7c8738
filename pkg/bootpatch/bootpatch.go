// Package bootpatch applies the two fixed-offset byte patches that wire a
// grub BIOS boot chain for a known GPT layout: the boot sector jump is
// replaced with NOPs so the embedded core.img LBA is always used, and the
// core.img blocklist is pointed at the sector where the image continues once
// written to the BIOS boot partition.
package bootpatch

import (
	"encoding/binary"
	"fmt"

	"github.com/kairos-io/emberboot/pkg/constants"
	v1 "github.com/kairos-io/kairos-agent/v2/pkg/types/v1"
)

// BoundsError is returned when a patch does not fit in the target buffer. The
// target is left untouched.
type BoundsError struct {
	Image  string
	Size   int
	Offset int
	Need   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s: %d byte patch at offset %d does not fit in %d bytes", e.Image, e.Need, e.Offset, e.Size)
}

// IOError wraps a read or write failure around a file patch.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Apply overwrites len(data) bytes of buf at offset with data. Bounds are
// checked before any mutation, so a failed patch leaves buf byte for byte as
// it was. Applying the same patch twice is a no-op the second time. image is
// only used in errors.
func Apply(image string, buf []byte, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(buf) {
		return &BoundsError{Image: image, Size: len(buf), Offset: offset, Need: len(data)}
	}
	copy(buf[offset:], data)
	return nil
}

// BootSector patches the runtime jump out of a grub boot.img so the LBA
// embedded at assembly time is always used. The zero value is unusable, go
// through NewBootSector and override fields as needed.
type BootSector struct {
	// Offset of the 2-byte jump inside boot.img.
	Offset int
	// Code written over the jump.
	Code []byte
}

func NewBootSector() BootSector {
	return BootSector{
		Offset: constants.BootImgJumpOffset,
		Code:   constants.BootImgJumpNops(),
	}
}

// Patch mutates bootImg in place.
func (b BootSector) Patch(bootImg []byte) error {
	return Apply(constants.GrubBiosImg, bootImg, b.Offset, b.Code)
}

// PatchFile reads path, patches the buffer and writes it back. The file is
// only touched when the patch applied cleanly.
func (b BootSector) PatchFile(fs v1.FS, path string) error {
	return patchFile(fs, path, b.Patch)
}

// CoreImage points the blocklist in a grub-mkimage generated core.img at the
// disk sector where the image continues. StartSector is absolute: for a BIOS
// boot partition starting at sector S with core.img at its head, the
// continuation is S+1.
type CoreImage struct {
	// Offset of the 2-byte little endian blocklist pointer.
	Offset int
	// StartSector is the absolute sector written there.
	StartSector uint16
}

func NewCoreImage() CoreImage {
	return CoreImage{
		Offset:      constants.CoreImgBlocklistOffset,
		StartSector: constants.BiosBootPartStartSector + 1,
	}
}

// Patch mutates coreImg in place.
func (c CoreImage) Patch(coreImg []byte) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, c.StartSector)
	return Apply(constants.GrubCoreImg, coreImg, c.Offset, data)
}

// PatchFile reads path, patches the buffer and writes it back.
func (c CoreImage) PatchFile(fs v1.FS, path string) error {
	return patchFile(fs, path, c.Patch)
}

func patchFile(fs v1.FS, path string, patch func([]byte) error) error {
	buf, err := fs.ReadFile(path)
	if err != nil {
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if err := patch(buf); err != nil {
		return err
	}
	info, err := fs.Stat(path)
	if err != nil {
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	if err := fs.WriteFile(path, buf, info.Mode()); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}
