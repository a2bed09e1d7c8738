package cmd

import (
	"fmt"
	"net"
	"os"

	"github.com/kairos-io/emberboot/internal/web"
	"github.com/kairos-io/emberboot/internal/worker"
	"github.com/urfave/cli/v2"
)

var WebCMD = cli.Command{
	Name:    "web",
	Aliases: []string{"w"},
	Usage:   "Starts the payload build service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "address",
			Usage: "Listen address",
			Value: ":8080",
		},
		&cli.StringFlag{
			Name:  "artifact-dir",
			Usage: "Artifact directory",
			Value: "/tmp/artifacts",
		},
		&cli.StringFlag{
			Name:  "builds-dir",
			Usage: "Directory to store build jobs and their artifacts",
			Value: "/tmp/ember-builds",
		},
		&cli.BoolFlag{
			Name:  "create-worker",
			Usage: "Start a local worker in a goroutine",
			Value: false,
		},
	},
	Action: func(c *cli.Context) error {
		os.MkdirAll(c.String("artifact-dir"), os.ModePerm)
		os.MkdirAll(c.String("builds-dir"), os.ModePerm)

		if c.Bool("create-worker") {
			workerID := "local-worker"
			// The server might listen on 0.0.0.0:port, the worker connects
			// through localhost
			addr := c.String("address")
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("invalid address format: %v", err)
			}
			workerAddr := "http://localhost:" + port
			w := worker.NewWorker(workerAddr, workerID)
			go func() {
				if err := w.Start(c.Context); err != nil {
					// The web server keeps running without the worker
					fmt.Printf("Worker error: %v\n", err)
				}
			}()
		}

		return web.App(web.AppConfig{
			EnableLogger: true,
			ListenAddr:   c.String("address"),
			OutDir:       c.String("artifact-dir"),
			BuildsDir:    c.String("builds-dir"),
		})
	},
}
