package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/foxboron/go-uefi/authenticode"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/emberboot/pkg/utils"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	agentConstants "github.com/kairos-io/kairos-agent/v2/pkg/constants"
	fsutils "github.com/kairos-io/kairos-agent/v2/pkg/utils/fs"
	sdkUtils "github.com/kairos-io/kairos-sdk/utils"
)

// EfiPayload stages the EFI side of the boot chain: the distro signed shim
// and grub binaries lifted from a source rootfs plus a minimal embedded
// grub.cfg that chainloads the real config by label. The staged dir is what
// ends up on the fat32 EFI partition of raw disks, or shipped as-is in the
// payload bundle.
type EfiPayload struct {
	Source string // rootfs to search for the signed binaries
	Dir    string // payload staging dir, files land under EFI/BOOT

	config *config.Config
}

func NewEfiPayload(source, dir string, opts ...config.GenericOptions) *EfiPayload {
	cfg := config.NewConfig(append([]config.GenericOptions{config.WithLogger(internal.Log)}, opts...)...)
	return &EfiPayload{Source: source, Dir: dir, config: cfg}
}

// Build stages EFI/BOOT with shim, grub and the embedded grub.cfg.
func (e *EfiPayload) Build() error {
	bootDir := filepath.Join(e.Dir, "EFI", "BOOT")
	if err := fsutils.MkdirAll(e.config.Fs, bootDir, 0755); err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", bootDir).Msg("failed to create boot dir")
		return err
	}

	// The embedded config runs before any filesystem module beyond the EFI
	// partition is loaded, so it can only search by label and hand over.
	err := e.config.Fs.WriteFile(filepath.Join(bootDir, constants.GrubCfg), []byte(constants.GrubEfiRecovery), 0o644)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Str("target", bootDir).Msg("failed to write grub.cfg")
		return err
	}

	if err := e.copyShimOrGrub("shim"); err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to copy shim")
		return err
	}
	if err := e.copyShimOrGrub("grub"); err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to copy grub")
		return err
	}
	return nil
}

// copyShimOrGrub searches the source rootfs for the shim or grub EFI binary
// and copies the first hit into EFI/BOOT. Distros ship them under different
// paths and suffixes, the search lists come from the sdk.
func (e *EfiPayload) copyShimOrGrub(which string) error {
	var searchFiles []string
	var copyDone bool

	arch, err := utils.GetArchFromRootfs(e.Source, internal.Log)
	if err != nil || arch == "" {
		internal.Log.Logger.Warn().Err(err).Str("arch", runtime.GOARCH).Msg("failed to get arch from source rootfs, defaulting to artifacts from runtime arch")
		arch = runtime.GOARCH
	}

	switch which {
	case "shim":
		searchFiles = sdkUtils.GetEfiShimFiles(arch)
	case "grub":
		searchFiles = sdkUtils.GetEfiGrubFiles(arch)
	default:
		return fmt.Errorf("invalid which value: %s", which)
	}

	for _, f := range searchFiles {
		_, err := e.config.Fs.Stat(filepath.Join(e.Source, f))
		if err != nil {
			e.config.Logger.Debugf("skip copying %s: not found", filepath.Join(e.Source, f))
			continue
		}
		_, name := filepath.Split(f)
		// the destination keeps the binary name without the signing suffixes
		name = strings.TrimSuffix(name, ".signed")
		name = strings.TrimSuffix(name, ".dualsigned")
		fileWriteName := filepath.Join(e.Dir, "EFI", "BOOT", name)
		e.config.Logger.Debugf("Copying %s to %s", f, fileWriteName)

		fileContent, err := e.config.Fs.ReadFile(filepath.Join(e.Source, f))
		if err != nil {
			e.config.Logger.Warnf("error reading %s: %s", filepath.Join(e.Source, f), err)
			continue
		}
		err = e.config.Fs.WriteFile(fileWriteName, fileContent, agentConstants.FilePerm)
		if err != nil {
			return fmt.Errorf("error writing %s: %s", fileWriteName, err)
		}
		copyDone = true

		// Duplicate shim under the firmware fallback name so the disk boots
		// without any NVRAM boot entries.
		if which == "shim" {
			writeShim := agentConstants.GetFallBackEfi(arch)
			err = e.config.Fs.WriteFile(filepath.Join(e.Dir, "EFI", "BOOT", writeShim), fileContent, agentConstants.FilePerm)
			if err != nil {
				return fmt.Errorf("could not write file %s at dir %s", writeShim, e.Dir)
			}
		}
		break
	}
	if !copyDone {
		e.config.Logger.Debugf("List of files searched for: %s", searchFiles)
		return fmt.Errorf("could not find any %s file to copy", which)
	}
	return nil
}

// Verify walks the staged EFI binaries and reports how many carry an
// authenticode signature table. An unsigned payload is only a warning, the
// binaries are prebuilt inputs and key management is not our job.
func (e *EfiPayload) Verify() error {
	bootDir := filepath.Join(e.Dir, "EFI", "BOOT")
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", bootDir, err)
	}

	var found bool
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".efi") {
			continue
		}
		found = true
		path := filepath.Join(bootDir, entry.Name())
		signed, err := efiBinarySigned(path)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("target", path).Msg("failed to parse EFI binary")
			return err
		}
		if signed {
			internal.Log.Logger.Info().Str("target", path).Msg("EFI binary carries a signature")
		} else {
			internal.Log.Logger.Warn().Str("target", path).Msg("EFI binary is not signed, secure boot will reject it")
		}
	}
	if !found {
		return fmt.Errorf("no EFI binaries found under %s", bootDir)
	}
	return nil
}

func efiBinarySigned(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	pe, err := authenticode.Parse(f)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	sigs, err := pe.Signatures()
	if err != nil {
		return false, fmt.Errorf("reading signatures of %s: %w", path, err)
	}
	return len(sigs) > 0, nil
}
