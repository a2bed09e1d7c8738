package main

import (
	"os"

	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/internal/cmd"
)

// Built with -ldflags "-X main.version=..."
var version = "v0.0.0"

func main() {
	app := cmd.GetApp(version)
	if err := app.Run(os.Args); err != nil {
		internal.Log.Logger.Fatal().Err(err).Msg("emberboot failed")
	}
}
