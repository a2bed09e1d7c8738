package e2e_test

import (
	"fmt"
	"os"
	"path"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/spectrocloud/peg/matcher"
)

var _ = Describe("Booting generated raw disks", Label("raw-bootable"), Serial, func() {
	var vm VM
	var err error

	BeforeEach(func() {
		rawImage := os.Getenv("RAW_IMAGE")
		Expect(rawImage).ToNot(BeEmpty(), "RAW_IMAGE must point to a disk image built by emberboot")
		_, err := os.Stat(rawImage)
		Expect(err).ToNot(HaveOccurred(), "RAW_IMAGE does not exist")

		vm, err = startVM()
		Expect(err).ToNot(HaveOccurred())
		vm.EventuallyConnects(1200)
	})

	AfterEach(func() {
		if CurrentSpecReport().Failed() {
			gatherLogs(vm)
			serial, _ := os.ReadFile(path.Join(vm.StateDir, "serial.log"))
			_ = os.MkdirAll("logs", os.ModePerm|os.ModeDir)
			_ = os.WriteFile(path.Join("logs", "serial.log"), serial, os.ModePerm)
			fmt.Println(string(serial))
		}

		err := vm.Destroy(nil)
		Expect(err).ToNot(HaveOccurred())
	})

	It("boots into active without provisioning", func() {
		Eventually(func() string {
			out, _ := vm.Sudo("kairos-agent state")
			return out
		}, 5*time.Minute, 10*time.Second).Should(ContainSubstring("active_boot"))

		out, err := vm.Sudo("kairos-agent state boot")
		Expect(err).ToNot(HaveOccurred(), out)
		Expect(out).To(ContainSubstring("active_boot"))
	})
})
