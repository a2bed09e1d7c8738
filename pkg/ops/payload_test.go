package ops_test

import (
	"bytes"
	"path/filepath"

	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/ops"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	v1mock "github.com/kairos-io/kairos-agent/v2/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5"
	"github.com/twpayne/go-vfs/v5/vfst"
)

var _ = Describe("BiosPayload", Label("payload"), func() {
	var fs vfs.FS
	var cleanup func()
	var runner *v1mock.FakeRunner
	var bootImg []byte
	var coreImg []byte

	// a recognizable pattern so untouched bytes are provable
	pattern := func(size int) []byte {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(i % 251)
		}
		return buf
	}

	newPayload := func(p schema.Payload) *ops.BiosPayload {
		return ops.NewBiosPayload("/payload", p, config.WithFs(fs), config.WithRunner(runner), config.WithLogger(testLogger()))
	}

	BeforeEach(func() {
		bootImg = pattern(constants.BootImgSize)
		coreImg = pattern(4 * constants.DiskSectorSize)

		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/grub/boot.img": &vfst.File{Contents: bootImg, Perm: 0o644},
		})
		Expect(err).ToNot(HaveOccurred())

		runner = v1mock.NewFakeRunner()
		// fake mkimage drops a core.img at the -o target
		runner.SideEffect = func(command string, args ...string) ([]byte, error) {
			for i, a := range args {
				if a == "-o" && i+1 < len(args) {
					Expect(fs.WriteFile(args[i+1], coreImg, 0o644)).To(Succeed())
				}
			}
			return []byte{}, nil
		}
	})

	AfterEach(func() { cleanup() })

	Describe("CopyBootImage", func() {
		It("copies the shipped boot.img untouched into the payload dir", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.CopyBootImage()).To(Succeed())
			staged, err := fs.ReadFile("/payload/boot.img")
			Expect(err).ToNot(HaveOccurred())
			Expect(staged).To(Equal(bootImg))
		})
		It("fails when the lib dir has no boot.img", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/nowhere"})
			Expect(b.CopyBootImage()).NotTo(Succeed())
		})
	})

	Describe("BuildCoreImage", func() {
		It("invokes grub2-mkimage with format, output, prefix and the default module list", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.BuildCoreImage()).To(Succeed())

			expected := []string{constants.GrubMkimage,
				"-O", constants.GrubFormat,
				"-o", "/payload/core.img",
				"-p", constants.GrubPrefixDir,
				"-d", "/grub",
			}
			expected = append(expected, constants.GrubModules()...)
			Expect(runner.CmdsMatch([][]string{expected})).To(Succeed())
		})
		It("honors format, prefix and module overrides in the given order", func() {
			b := newPayload(schema.Payload{
				GrubLibDir: "/grub",
				Format:     "i386-pc-pxe",
				Prefix:     "/boot/grub",
				Modules:    []string{"biosdisk", "part_gpt", "ext2"},
			})
			Expect(b.BuildCoreImage()).To(Succeed())
			Expect(runner.CmdsMatch([][]string{{
				constants.GrubMkimage,
				"-O", "i386-pc-pxe",
				"-o", "/payload/core.img",
				"-p", "/boot/grub",
				"-d", "/grub",
				"biosdisk", "part_gpt", "ext2",
			}})).To(Succeed())
		})
	})

	Describe("Patch", func() {
		It("changes exactly the jump and blocklist bytes of the staged pair", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.CopyBootImage()).To(Succeed())
			Expect(b.BuildCoreImage()).To(Succeed())
			Expect(b.Patch()).To(Succeed())

			staged, err := fs.ReadFile("/payload/boot.img")
			Expect(err).ToNot(HaveOccurred())
			Expect(staged[constants.BootImgJumpOffset : constants.BootImgJumpOffset+2]).To(Equal([]byte{0x90, 0x90}))
			for i := range staged {
				if i == constants.BootImgJumpOffset || i == constants.BootImgJumpOffset+1 {
					continue
				}
				Expect(staged[i]).To(Equal(bootImg[i]), "boot.img byte %d", i)
			}

			stagedCore, err := fs.ReadFile("/payload/core.img")
			Expect(err).ToNot(HaveOccurred())
			// 2049 little endian
			Expect(stagedCore[constants.CoreImgBlocklistOffset : constants.CoreImgBlocklistOffset+2]).To(Equal([]byte{0x01, 0x08}))
			for i := range stagedCore {
				if i == constants.CoreImgBlocklistOffset || i == constants.CoreImgBlocklistOffset+1 {
					continue
				}
				Expect(stagedCore[i]).To(Equal(coreImg[i]), "core.img byte %d", i)
			}
		})
		It("honors the patch overrides from the payload block", func() {
			b := newPayload(schema.Payload{
				GrubLibDir:      "/grub",
				BootPatchOffset: 10,
				CorePatchOffset: 20,
				CoreStartSector: 4096,
			})
			Expect(b.CopyBootImage()).To(Succeed())
			Expect(b.BuildCoreImage()).To(Succeed())
			Expect(b.Patch()).To(Succeed())

			staged, _ := fs.ReadFile("/payload/boot.img")
			Expect(staged[10:12]).To(Equal([]byte{0x90, 0x90}))
			stagedCore, _ := fs.ReadFile("/payload/core.img")
			Expect(stagedCore[20:22]).To(Equal([]byte{0x00, 0x10}))
		})
		It("leaves a short boot.img untouched", func() {
			short := pattern(constants.BootImgJumpOffset + 1)
			Expect(fs.Mkdir("/payload", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/payload/boot.img", short, 0o644)).To(Succeed())
			Expect(fs.WriteFile("/payload/core.img", coreImg, 0o644)).To(Succeed())

			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.Patch()).NotTo(Succeed())
			staged, _ := fs.ReadFile("/payload/boot.img")
			Expect(bytes.Equal(staged, short)).To(BeTrue())
		})
	})

	Describe("Verify", func() {
		It("accepts a patched payload and rejects a pristine one", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.CopyBootImage()).To(Succeed())
			Expect(b.BuildCoreImage()).To(Succeed())

			Expect(b.Verify()).NotTo(Succeed())
			Expect(b.Patch()).To(Succeed())
			Expect(b.Verify()).To(Succeed())
		})
		It("fails when the staged files are missing", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.Verify()).NotTo(Succeed())
		})
	})

	Describe("ApplyOverlay", func() {
		It("is a no-op without an overlay dir", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.ApplyOverlay()).To(Succeed())
		})
	})

	Describe("Build", func() {
		It("stages the full payload end to end", func() {
			b := newPayload(schema.Payload{GrubLibDir: "/grub"})
			Expect(b.Build()).To(Succeed())

			staged, err := fs.ReadFile(filepath.Join("/payload", constants.GrubBiosImg))
			Expect(err).ToNot(HaveOccurred())
			Expect(staged[constants.BootImgJumpOffset]).To(Equal(byte(0x90)))
			stagedCore, err := fs.ReadFile(filepath.Join("/payload", constants.GrubCoreImg))
			Expect(err).ToNot(HaveOccurred())
			Expect(stagedCore[constants.CoreImgBlocklistOffset]).To(Equal(byte(0x01)))
			Expect(b.Verify()).To(Succeed())
		})
	})
})
