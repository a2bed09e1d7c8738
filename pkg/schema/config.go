package schema

import "path/filepath"

// Config represent the EmberBoot
// configuration
type Config struct {
	// CloudConfig copied into the OEM partition of generated disk images
	CloudConfig string `yaml:"cloud_config"`

	// Disable HTTP Server
	DisableHTTPServer bool `yaml:"disable_http_server"`

	State string `yaml:"state_dir"`

	ListenAddr string `yaml:"listen_addr"`

	// Payload block configuration
	Payload Payload `yaml:"payload"`

	Disk Disk `yaml:"disk"`
}

// Payload configures how the grub boot payload is built and patched.
type Payload struct {
	// GrubLibDir is where the distro ships boot.img and the BIOS modules
	GrubLibDir string `yaml:"grub_lib_dir"`

	// Format is the grub-mkimage output format selector
	Format string `yaml:"format"`

	// Prefix is the grub prefix dir embedded into core.img
	Prefix string `yaml:"prefix"`

	// Modules bundled into core.img, in order. Empty means the default list.
	Modules []string `yaml:"modules"`

	// Overlay is copied verbatim over the payload dir after the build
	Overlay string `yaml:"overlay"`

	// Patch overrides, 0 means default
	BootPatchOffset int    `yaml:"boot_patch_offset"`
	CorePatchOffset int    `yaml:"core_patch_offset"`
	CoreStartSector uint16 `yaml:"core_start_sector"`

	// Bundle packages the payload dir as a tar.gz
	Bundle bool `yaml:"bundle"`

	// OCI wraps the payload bundle into a single layer OCI image with the
	// given reference
	OCI string `yaml:"oci"`
}

type Disk struct {
	EFI  bool   `yaml:"efi"`
	GCE  bool   `yaml:"gce"`
	VHD  bool   `yaml:"vhd"`
	BIOS bool   `yaml:"bios"`
	Size string `yaml:"size"`
}

func (c Config) StateDir(s ...string) string {
	d := "/tmp"
	if c.State != "" {
		d = c.State
	}

	return filepath.Join(append([]string{d}, s...)...)
}
