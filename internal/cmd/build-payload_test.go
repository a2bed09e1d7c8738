package cmd_test

import (
	"bytes"

	cmdpkg "github.com/kairos-io/emberboot/internal/cmd"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/urfave/cli/v2"
)

var _ = Describe("build-payload", Label("cmd", "flags"), func() {
	var app *cli.App

	BeforeEach(func() {
		app = cmdpkg.GetApp("v0.0.0")
		app.Writer = new(bytes.Buffer)
	})

	It("errors out if the overlay path does not exist", func() {
		err := app.Run([]string{"", "build-payload", "--overlay", "/nonexistingpath"})
		Expect(err).ToNot(BeNil())
		Expect(err.Error()).To(ContainSubstring("overlay directory does not exist"))
	})

	It("errors out if arch is invalid", func() {
		err := app.Run([]string{"", "build-payload", "--arch", "invalid"})
		Expect(err).ToNot(BeNil())
		Expect(err.Error()).To(ContainSubstring("invalid architecture"))
		Expect(err.Error()).To(ContainSubstring("must be 'amd64' or 'arm64'"))
	})
})
