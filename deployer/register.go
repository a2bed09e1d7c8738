package deployer

// RegisterAll registers the op dag based on the configuration and the artifact wanted.
// This registers all steps for the top level EmberBoot command.
func RegisterAll(d *Deployer) error {
	for _, step := range []func() error{
		// Ops to prepare the dirs
		d.StepPrepStateDir,
		d.StepPrepTmpRootDir,
		d.StepPrepPayloadDir,
		d.StepCopyCloudConfig,
		// Ops to obtain the payload inputs
		d.StepDumpSource,
		d.StepDownloadBundle,
		d.StepExtractBundle,
		// Ops to build and check the boot payload
		d.StepBuildBiosPayload,
		d.StepPatchBiosImages,
		d.StepBuildEfiPayload,
		d.StepVerifyPayload,
		// Ops to package the payload
		d.StepPackageBundle,
		d.StepPackageOCI,
		// Ops to generate disk images
		d.StepGenEFIRawDisk,
		d.StepGenBIOSRawDisk,
		d.StepConvertGCE,
		d.StepConvertVHD,
		// Start servers
		d.StepStartHTTPServer,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
