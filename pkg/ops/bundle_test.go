package ops_test

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"

	"github.com/kairos-io/emberboot/pkg/ops"
	"github.com/klauspost/compress/gzip"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Payload bundles", Label("bundle"), func() {
	var workDir string

	BeforeEach(func() {
		var err error
		workDir, err = os.MkdirTemp("", "emberboot-bundle-test-")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(workDir) })

	It("round trips a payload dir through package and extract", func() {
		payloadDir := filepath.Join(workDir, "payload")
		Expect(os.MkdirAll(filepath.Join(payloadDir, "EFI", "BOOT"), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(payloadDir, "boot.img"), []byte("bootcode"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(payloadDir, "EFI", "BOOT", "grub.cfg"), []byte("configfile"), 0o644)).To(Succeed())

		bundle := filepath.Join(workDir, "payload.tar.gz")
		Expect(ops.PackageBundle(func() string { return payloadDir }, bundle)(context.Background())).To(Succeed())

		extractDir := filepath.Join(workDir, "extracted")
		Expect(os.MkdirAll(extractDir, 0755)).To(Succeed())
		Expect(ops.ExtractBundle(func() string { return bundle }, extractDir)(context.Background())).To(Succeed())

		content, err := os.ReadFile(filepath.Join(extractDir, "boot.img"))
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal([]byte("bootcode")))
		content, err = os.ReadFile(filepath.Join(extractDir, "EFI", "BOOT", "grub.cfg"))
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal([]byte("configfile")))
	})

	It("extracts plain tars too", func() {
		bundle := filepath.Join(workDir, "payload.tar")
		f, err := os.Create(bundle)
		Expect(err).ToNot(HaveOccurred())
		tw := tar.NewWriter(f)
		Expect(tw.WriteHeader(&tar.Header{Name: "core.img", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg})).To(Succeed())
		_, err = tw.Write([]byte("core"))
		Expect(err).ToNot(HaveOccurred())
		Expect(tw.Close()).To(Succeed())
		Expect(f.Close()).To(Succeed())

		extractDir := filepath.Join(workDir, "extracted")
		Expect(os.MkdirAll(extractDir, 0755)).To(Succeed())
		Expect(ops.ExtractBundle(func() string { return bundle }, extractDir)(context.Background())).To(Succeed())
		content, err := os.ReadFile(filepath.Join(extractDir, "core.img"))
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal([]byte("core")))
	})

	It("rejects entries escaping the destination dir", func() {
		bundle := filepath.Join(workDir, "evil.tar.gz")
		f, err := os.Create(bundle)
		Expect(err).ToNot(HaveOccurred())
		gz := gzip.NewWriter(f)
		tw := tar.NewWriter(gz)
		Expect(tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o644, Size: 3, Typeflag: tar.TypeReg})).To(Succeed())
		_, err = tw.Write([]byte("pwn"))
		Expect(err).ToNot(HaveOccurred())
		Expect(tw.Close()).To(Succeed())
		Expect(gz.Close()).To(Succeed())
		Expect(f.Close()).To(Succeed())

		extractDir := filepath.Join(workDir, "extracted")
		Expect(os.MkdirAll(extractDir, 0755)).To(Succeed())
		err = ops.ExtractBundle(func() string { return bundle }, extractDir)(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("escapes"))
		_, err = os.Stat(filepath.Join(workDir, "escape"))
		Expect(err).To(HaveOccurred())
	})
})
