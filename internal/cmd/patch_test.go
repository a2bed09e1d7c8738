package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"

	cmdpkg "github.com/kairos-io/emberboot/internal/cmd"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/urfave/cli/v2"
)

var _ = Describe("patch", Label("cmd"), func() {
	var app *cli.App
	var buf *bytes.Buffer
	var dir string
	var bootImg, coreImg string

	pattern := func(size int) []byte {
		b := make([]byte, size)
		for i := range b {
			b[i] = byte(i % 251)
		}
		return b
	}

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		app = cmdpkg.GetApp("v0.0.0")
		app.Writer = buf

		var err error
		dir, err = os.MkdirTemp("", "ember-patch-")
		Expect(err).ToNot(HaveOccurred())
		bootImg = filepath.Join(dir, "boot.img")
		coreImg = filepath.Join(dir, "core.img")
		Expect(os.WriteFile(bootImg, pattern(512), 0644)).To(Succeed())
		Expect(os.WriteFile(coreImg, pattern(32768), 0644)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("patches both images in place", func() {
		err := app.Run([]string{"", "patch", bootImg, coreImg})
		Expect(err).ToNot(HaveOccurred())

		boot, err := os.ReadFile(bootImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(boot[102]).To(Equal(byte(0x90)))
		Expect(boot[103]).To(Equal(byte(0x90)))

		core, err := os.ReadFile(coreImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(core[500]).To(Equal(byte(0x01)))
		Expect(core[501]).To(Equal(byte(0x08)))
	})

	It("skips an image given as '-'", func() {
		err := app.Run([]string{"", "patch", "-", coreImg})
		Expect(err).ToNot(HaveOccurred())

		boot, err := os.ReadFile(bootImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(boot).To(Equal(pattern(512)))
	})

	It("honors offset and sector overrides", func() {
		err := app.Run([]string{"", "patch", "--boot-offset", "10", "--core-offset", "20", "--start-sector", "4096", bootImg, coreImg})
		Expect(err).ToNot(HaveOccurred())

		boot, err := os.ReadFile(bootImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(boot[10]).To(Equal(byte(0x90)))
		Expect(boot[11]).To(Equal(byte(0x90)))
		Expect(boot[102]).To(Equal(byte(102)))

		core, err := os.ReadFile(coreImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(core[20]).To(Equal(byte(0x00)))
		Expect(core[21]).To(Equal(byte(0x10)))
	})

	It("errors out when both images are skipped", func() {
		err := app.Run([]string{"", "patch", "-", "-"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("nothing to patch"))
	})

	It("errors out on a start sector that does not fit", func() {
		err := app.Run([]string{"", "patch", "--start-sector", "65536", bootImg, coreImg})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("does not fit"))
	})

	It("errors out on a short boot image and leaves it untouched", func() {
		Expect(os.WriteFile(bootImg, pattern(64), 0644)).To(Succeed())
		err := app.Run([]string{"", "patch", bootImg, "-"})
		Expect(err).To(HaveOccurred())

		boot, err := os.ReadFile(bootImg)
		Expect(err).ToNot(HaveOccurred())
		Expect(boot).To(Equal(pattern(64)))
	})

	It("errors out without arguments", func() {
		err := app.Run([]string{"", "patch"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("expected two arguments"))
	})
})
