package bootpatch_test

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kairos-io/emberboot/pkg/bootpatch"
	"github.com/kairos-io/emberboot/pkg/constants"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5"
	"github.com/twpayne/go-vfs/v5/vfst"
)

var _ = Describe("Apply", Label("bootpatch"), func() {
	It("overwrites exactly the requested range", func() {
		buf := bytes.Repeat([]byte{0xaa}, 16)
		Expect(bootpatch.Apply("test", buf, 4, []byte{1, 2})).To(Succeed())
		for i, b := range buf {
			if i == 4 {
				Expect(b).To(Equal(byte(1)))
			} else if i == 5 {
				Expect(b).To(Equal(byte(2)))
			} else {
				Expect(b).To(Equal(byte(0xaa)))
			}
		}
	})

	It("is idempotent", func() {
		buf := make([]byte, 16)
		Expect(bootpatch.Apply("test", buf, 4, []byte{1, 2})).To(Succeed())
		once := append([]byte{}, buf...)
		Expect(bootpatch.Apply("test", buf, 4, []byte{1, 2})).To(Succeed())
		Expect(buf).To(Equal(once))
	})

	It("leaves the buffer untouched when the patch does not fit", func() {
		buf := bytes.Repeat([]byte{0xaa}, 8)
		err := bootpatch.Apply("test", buf, 7, []byte{1, 2})
		var bounds *bootpatch.BoundsError
		Expect(errors.As(err, &bounds)).To(BeTrue())
		Expect(bounds.Size).To(Equal(8))
		Expect(bounds.Offset).To(Equal(7))
		Expect(buf).To(Equal(bytes.Repeat([]byte{0xaa}, 8)))
	})

	It("rejects a negative offset", func() {
		var bounds *bootpatch.BoundsError
		err := bootpatch.Apply("test", make([]byte, 8), -1, []byte{1})
		Expect(errors.As(err, &bounds)).To(BeTrue())
	})
})

var _ = Describe("BootSector", Label("bootpatch"), func() {
	var patcher bootpatch.BootSector

	BeforeEach(func() {
		patcher = bootpatch.NewBootSector()
	})

	It("writes the NOPs at offset 102 and nothing else", func() {
		img := make([]byte, constants.BootImgSize)
		Expect(patcher.Patch(img)).To(Succeed())
		Expect(img[102:104]).To(Equal([]byte{0x90, 0x90}))
		for i, b := range img {
			if i == 102 || i == 103 {
				continue
			}
			Expect(b).To(BeZero(), "byte %d changed", i)
		}
	})

	It("accepts the minimum length and rejects one byte less", func() {
		Expect(patcher.Patch(make([]byte, 104))).To(Succeed())

		short := bytes.Repeat([]byte{0x55}, 103)
		err := patcher.Patch(short)
		var bounds *bootpatch.BoundsError
		Expect(errors.As(err, &bounds)).To(BeTrue())
		Expect(short).To(Equal(bytes.Repeat([]byte{0x55}, 103)))
	})

	It("honors overridden offset and code", func() {
		patcher.Offset = 0
		patcher.Code = []byte{0xeb, 0xfe}
		img := make([]byte, 4)
		Expect(patcher.Patch(img)).To(Succeed())
		Expect(img).To(Equal([]byte{0xeb, 0xfe, 0, 0}))
	})
})

var _ = Describe("CoreImage", Label("bootpatch"), func() {
	var patcher bootpatch.CoreImage

	BeforeEach(func() {
		patcher = bootpatch.NewCoreImage()
	})

	It("defaults to the sector after the BIOS boot partition start", func() {
		Expect(patcher.StartSector).To(Equal(uint16(2049)))
	})

	It("writes 2049 little endian at offset 500", func() {
		img := make([]byte, constants.BootImgSize)
		Expect(patcher.Patch(img)).To(Succeed())
		Expect(img[500:502]).To(Equal([]byte{0x01, 0x08}))
		Expect(binary.LittleEndian.Uint16(img[500:502])).To(Equal(uint16(2049)))
		for i, b := range img {
			if i == 500 || i == 501 {
				continue
			}
			Expect(b).To(BeZero(), "byte %d changed", i)
		}
	})

	It("accepts the minimum length and rejects one byte less", func() {
		Expect(patcher.Patch(make([]byte, 502))).To(Succeed())

		err := patcher.Patch(make([]byte, 501))
		var bounds *bootpatch.BoundsError
		Expect(errors.As(err, &bounds)).To(BeTrue())
	})

	It("encodes an overridden start sector", func() {
		patcher.StartSector = 34
		img := make([]byte, constants.BootImgSize)
		Expect(patcher.Patch(img)).To(Succeed())
		Expect(img[500:502]).To(Equal([]byte{0x22, 0x00}))
	})
})

var _ = Describe("PatchFile", Label("bootpatch"), func() {
	var fs vfs.FS
	var cleanup func()

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(nil)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { cleanup() })

	It("patches a file in place", func() {
		Expect(fs.WriteFile("/boot.img", make([]byte, constants.BootImgSize), 0644)).To(Succeed())
		Expect(bootpatch.NewBootSector().PatchFile(fs, "/boot.img")).To(Succeed())
		buf, err := fs.ReadFile("/boot.img")
		Expect(err).ToNot(HaveOccurred())
		Expect(buf[102:104]).To(Equal([]byte{0x90, 0x90}))
	})

	It("leaves a short file untouched on a bounds failure", func() {
		Expect(fs.WriteFile("/core.img", make([]byte, 100), 0644)).To(Succeed())
		err := bootpatch.NewCoreImage().PatchFile(fs, "/core.img")
		var bounds *bootpatch.BoundsError
		Expect(errors.As(err, &bounds)).To(BeTrue())
		buf, _ := fs.ReadFile("/core.img")
		Expect(buf).To(Equal(make([]byte, 100)))
	})

	It("surfaces read failures as IOError", func() {
		err := bootpatch.NewBootSector().PatchFile(fs, "/missing.img")
		var ioErr *bootpatch.IOError
		Expect(errors.As(err, &ioErr)).To(BeTrue())
		Expect(ioErr.Op).To(Equal("read"))
	})

	It("surfaces write failures as IOError", func() {
		Expect(fs.WriteFile("/boot.img", make([]byte, constants.BootImgSize), 0644)).To(Succeed())
		ro := vfs.NewReadOnlyFS(fs)
		err := bootpatch.NewBootSector().PatchFile(ro, "/boot.img")
		var ioErr *bootpatch.IOError
		Expect(errors.As(err, &ioErr)).To(BeTrue())
		Expect(ioErr.Op).To(Equal("write"))
	})
})
