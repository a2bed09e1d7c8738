package ops_test

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/ops"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Raw disk outputs", Label("output"), func() {
	var workDir string

	BeforeEach(func() {
		var err error
		workDir, err = os.MkdirTemp("", "emberboot-output-test-")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(workDir) })

	Describe("Raw2Azure", func() {
		It("produces an MB aligned fixed VHD with a valid footer", func() {
			source := filepath.Join(workDir, "disk.raw")
			// deliberately unaligned size
			Expect(os.WriteFile(source, make([]byte, constants.MB+1234), 0o644)).To(Succeed())

			name, err := ops.Raw2Azure(source)
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal(source + ".vhd"))

			info, err := os.Stat(name)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Size() % constants.MB).To(BeZero())

			// footer is the last 512 bytes
			content, err := os.ReadFile(name)
			Expect(err).ToNot(HaveOccurred())
			footer := content[len(content)-512:]

			// features, format version and disk type per the fixed VHD spec
			Expect(footer[8:12]).To(Equal([]byte{0x00, 0x00, 0x00, 0x02}))
			Expect(footer[12:16]).To(Equal([]byte{0x00, 0x01, 0x00, 0x00}))
			Expect(footer[60:64]).To(Equal([]byte{0x00, 0x00, 0x00, 0x02}))

			// current size covers everything but the footer itself
			Expect(binary.BigEndian.Uint64(footer[48:56])).To(Equal(uint64(info.Size() - 512)))

			// ones complement checksum of the footer with the checksum zeroed
			stored := binary.BigEndian.Uint32(footer[64:68])
			sum := 0
			for i, b := range footer {
				if i >= 64 && i < 68 {
					continue
				}
				sum += int(b)
			}
			Expect(stored).To(Equal(uint32(^sum)))
		})
		It("fails on a missing source", func() {
			_, err := ops.Raw2Azure(filepath.Join(workDir, "nope.raw"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Raw2Gce", func() {
		It("rounds the image up to whole GBs and packs it as disk.raw", func() {
			source := filepath.Join(workDir, "disk.raw")
			Expect(os.WriteFile(source, []byte("raw disk bits"), 0o644)).To(Succeed())

			name, err := ops.Raw2Gce(source)
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal(source + ".gce.tar.gz"))
			_, err = os.Stat(name)
			Expect(err).ToNot(HaveOccurred())

			// the full raw image is gone once the compressed one exists
			_, err = os.Stat(source)
			Expect(err).To(HaveOccurred())
		})
	})
})
