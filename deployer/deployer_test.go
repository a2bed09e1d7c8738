package deployer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kairos-io/emberboot/deployer"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/spectrocloud-labs/herd"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Deployer", Label("deployer"), func() {
	Describe("LoadByte", func() {
		It("parses the config and the artifact out of the same document", func() {
			config, release, err := deployer.LoadByte([]byte(`
state_dir: /tmp/ember
container_image: quay.io/kairos/core-opensuse:latest
payload:
  format: i386-pc
  prefix: /boot/grub2
  bundle: true
disk:
  bios: true
  size: "16000"
`))
			Expect(err).ToNot(HaveOccurred())
			Expect(config.State).To(Equal("/tmp/ember"))
			Expect(config.Payload.Format).To(Equal("i386-pc"))
			Expect(config.Payload.Prefix).To(Equal("/boot/grub2"))
			Expect(config.Payload.Bundle).To(BeTrue())
			Expect(config.Disk.BIOS).To(BeTrue())
			Expect(config.Disk.Size).To(Equal("16000"))
			Expect(release.ContainerImage).To(Equal("quay.io/kairos/core-opensuse:latest"))
		})

		It("fails on a broken document", func() {
			_, _, err := deployer.LoadByte([]byte("\tnot yaml"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Start", func() {
		It("cleans the staging dirs even when the pipeline fails", func() {
			stateDir, err := os.MkdirTemp("", "ember-start-")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(stateDir)

			// pointing the grub dir at nothing makes the payload build fail
			config, release, err := deployer.LoadByte([]byte(fmt.Sprintf(`
state_dir: %s
disable_http_server: true
payload:
  grub_lib_dir: %s
`, stateDir, filepath.Join(stateDir, "no-such-grub"))))
			Expect(err).ToNot(HaveOccurred())

			err = deployer.Start(context.Background(), config, release)
			Expect(err).To(HaveOccurred())

			Expect(filepath.Join(stateDir, "temp-rootfs")).ToNot(BeADirectory())
			Expect(filepath.Join(stateDir, "bundle")).ToNot(BeADirectory())
			// the cloud config step ran before the failure surfaced
			Expect(filepath.Join(stateDir, "config.yaml")).To(BeARegularFile())
		})
	})

	Describe("RegisterAll", func() {
		var d *deployer.Deployer

		layerOf := func(name string) int {
			for i, layer := range d.Analyze() {
				for _, op := range layer {
					if op.Name == name {
						return i
					}
				}
			}
			return -1
		}

		BeforeEach(func() {
			config, release, err := deployer.LoadByte([]byte(`
state_dir: /tmp/ember
container_image: quay.io/kairos/core-opensuse:latest
payload:
  bundle: true
disk:
  bios: true
`))
			Expect(err).ToNot(HaveOccurred())
			d = deployer.NewDeployer(*config, *release, herd.CollectOrphans)
			Expect(deployer.RegisterAll(d)).To(Succeed())
		})

		It("registers every op", func() {
			for _, name := range []string{
				constants.OpPrepareState,
				constants.OpPreparePayload,
				constants.OpPreparetmproot,
				constants.OpCopyCloudConfig,
				constants.OpDumpSource,
				constants.OpDownloadBundle,
				constants.OpExtractBundle,
				constants.OpBuildBiosPayload,
				constants.OpBuildEfiPayload,
				constants.OpPatchBiosImages,
				constants.OpVerifyPayload,
				constants.OpPackageBundle,
				constants.OpPackageOCI,
				constants.OpGenEFIRawDisk,
				constants.OpGenBIOSRawDisk,
				constants.OpConvertGCE,
				constants.OpConvertVHD,
				constants.OpStartHTTPServer,
			} {
				Expect(layerOf(name)).To(BeNumerically(">=", 0), name)
			}
		})

		It("orders the payload build after the dir preparation", func() {
			Expect(layerOf(constants.OpBuildBiosPayload)).To(BeNumerically(">", layerOf(constants.OpPreparePayload)))
			Expect(layerOf(constants.OpPatchBiosImages)).To(BeNumerically(">", layerOf(constants.OpBuildBiosPayload)))
			Expect(layerOf(constants.OpVerifyPayload)).To(BeNumerically(">", layerOf(constants.OpPatchBiosImages)))
			Expect(layerOf(constants.OpPackageBundle)).To(BeNumerically(">", layerOf(constants.OpVerifyPayload)))
		})

		It("orders the disk assembly after the source dump and the payload checks", func() {
			Expect(layerOf(constants.OpGenBIOSRawDisk)).To(BeNumerically(">", layerOf(constants.OpDumpSource)))
			Expect(layerOf(constants.OpGenBIOSRawDisk)).To(BeNumerically(">", layerOf(constants.OpVerifyPayload)))
		})

		It("marks the artifact server as a background op", func() {
			for _, layer := range d.Analyze() {
				for _, op := range layer {
					if op.Name == constants.OpStartHTTPServer {
						Expect(op.Background).To(BeTrue())
						return
					}
				}
			}
			Fail("server op not found in the dag")
		})

		It("collects no errors before a run", func() {
			Expect(d.CollectErrors()).To(BeNil())
		})
	})
})
