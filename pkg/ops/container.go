package ops

import (
	"context"
	"fmt"

	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	"github.com/kairos-io/kairos-agent/v2/pkg/elemental"
	v1 "github.com/kairos-io/kairos-agent/v2/pkg/types/v1"
)

// valueGetOnCall defers a path lookup to DAG run time, the temp dirs the
// steps hand each other do not exist at registration time.
type valueGetOnCall func() string

// DumpSource pulls a container image either remotely or locally from a docker
// daemon, or simply copies a directory to the destination.
// Supports these prefixes:
// https://github.com/kairos-io/kairos-agent/blob/1e81cdef38677c8a36cae50d3334559976f66481/pkg/types/v1/common.go#L30-L33
func DumpSource(image string, dstFunc valueGetOnCall, arch string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		dst := dstFunc()
		if image == "" {
			return fmt.Errorf("image source is empty, cannot dump to %s", dst)
		}
		opts := []config.GenericOptions{
			config.WithImageExtractor(v1.OCIImageExtractor{}),
			config.WithLogger(internal.Log),
		}
		if arch != "" {
			opts = append(opts, config.WithArch(arch))
		}
		cfg := config.NewConfig(opts...)
		e := elemental.NewElemental(cfg)

		imgSource, err := v1.NewSrcFromURI(image)
		if err != nil {
			return err
		}
		if _, err := e.DumpSource(dst, imgSource); err != nil {
			return fmt.Errorf("dumping the source image %s to %s: %w", image, dst, err)
		}

		return nil
	}
}
