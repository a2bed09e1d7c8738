package deployer

import (
	"context"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/sanity-io/litter"
	"github.com/spectrocloud-labs/herd"
	"gopkg.in/yaml.v3"
)

// Deployer wraps the op DAG with the configuration the steps feed on. Steps
// register themselves against the graph and gate on the config, so the same
// step list serves every combination of payload and disk outputs.
type Deployer struct {
	*herd.Graph
	Config   schema.Config
	Artifact schema.ReleaseArtifact
}

func NewDeployer(c schema.Config, a schema.ReleaseArtifact, opts ...herd.GraphOption) *Deployer {
	d := &Deployer{Config: c, Artifact: a}
	d.Graph = herd.DAG(opts...)
	return d
}

func LoadByte(b []byte) (*schema.Config, *schema.ReleaseArtifact, error) {
	config := &schema.Config{}
	release := &schema.ReleaseArtifact{}

	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, nil, err
	}

	if err := yaml.Unmarshal(b, release); err != nil {
		return nil, nil, err
	}

	return config, release, nil
}

// LoadFile loads a configuration file and returns the EmberBoot configuration
// and release artifact information
func LoadFile(file string) (*schema.Config, *schema.ReleaseArtifact, error) {
	dat, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, err
	}

	return LoadByte(dat)
}

// Start runs the whole pipeline out of a configuration, the one-shot entry
// point the default CLI action and the worker use. Staging dirs are cleaned
// up whether the run succeeds or not.
func Start(ctx context.Context, config *schema.Config, release *schema.ReleaseArtifact) error {
	d := NewDeployer(*config, *release, herd.CollectOrphans)
	internal.Log.Logger.Debug().Msg(litter.Sdump(d.Config))
	internal.Log.Logger.Debug().Msg(litter.Sdump(d.Artifact))
	if err := RegisterAll(d); err != nil {
		return err
	}
	defer func() {
		if err := d.CleanTmpDirs(); err != nil {
			internal.Log.Logger.Error().Err(err).Msg("Failed to clean temp dirs")
		}
	}()

	d.WriteDag()

	if err := d.Run(ctx); err != nil {
		return err
	}

	return d.CollectErrors()
}

// WriteDag dumps the analyzed graph, layer by layer, through the logger.
func (d *Deployer) WriteDag() {
	for i, layer := range d.Analyze() {
		internal.Log.Logger.Printf("%d.", (i + 1))
		for _, op := range layer {
			if op.Error != nil {
				internal.Log.Logger.Printf(" <%s> (error: %s) (background: %t)", op.Name, op.Error.Error(), op.Background)
			} else {
				internal.Log.Logger.Printf(" <%s> (background: %t)", op.Name, op.Background)
			}
		}
		internal.Log.Logger.Print("")
	}
}

// CollectErrors walks the analyzed graph after a run and accumulates every op
// error, so a failed branch does not hide behind a completed one.
func (d *Deployer) CollectErrors() error {
	var err *multierror.Error
	for _, layer := range d.Analyze() {
		for _, op := range layer {
			if op.Error != nil {
				err = multierror.Append(err, op.Error)
			}
		}
	}

	return err.ErrorOrNil()
}
