package utils

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/klauspost/compress/gzip"

	containerdCompression "github.com/containerd/containerd/v2/pkg/archive/compression"
	"github.com/google/go-containerregistry/pkg/name"
	container "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/constants"
	"github.com/kairos-io/kairos-sdk/types/logger"
	sdkUtils "github.com/kairos-io/kairos-sdk/utils"
)

func GolangArchToArch(arch string) (string, error) {
	switch strings.ToLower(arch) {
	case constants.ArchAmd64:
		return constants.Archx86, nil
	case constants.ArchArm64:
		return constants.ArchArm64, nil
	default:
		return "", fmt.Errorf("invalid arch")
	}
}

func IsAmd64(arch string) bool {
	return arch == constants.ArchAmd64 || arch == constants.Archx86
}

func IsArm64(arch string) bool {
	return arch == constants.ArchArm64 || arch == constants.Archaarch64
}

// Tar takes a source and variable writers and walks 'source' writing each file
// found to the tar writer; the purpose for accepting multiple writers is to allow
// for multiple outputs (for example a file, or md5 hash)
func Tar(src string, writers ...io.Writer) error {
	// ensure the src actually exists before trying to tar it
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("Unable to tar files - %v", err.Error())
	}

	mw := io.MultiWriter(writers...)

	gzw := gzip.NewWriter(mw)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	// walk path
	return filepath.Walk(src, func(file string, fi os.FileInfo, err error) error {

		// return on any error
		if err != nil {
			return err
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return err
		}

		// update the name to correctly reflect the desired destination when untaring
		header.Name = strings.TrimPrefix(strings.ReplaceAll(file, src, ""), string(filepath.Separator))

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}

		if _, err := io.Copy(tw, f); err != nil {
			return err
		}

		// manually close here after each file operation; defering would cause each file close
		// to wait until all operations have completed.
		f.Close()

		return nil
	})
}

// CreateTar a imagetarball from a standard tarball
func CreateTar(_ logger.KairosLogger, srctar, dstimageTar, imagename, architecture, OS string) error {

	dstFile, err := os.Create(dstimageTar)
	if err != nil {
		return fmt.Errorf("Cannot create %s: %s", dstimageTar, err)
	}
	defer dstFile.Close()

	newRef, img, err := imageFromTar(imagename, architecture, OS, func() (io.ReadCloser, error) {
		f, err := os.Open(srctar)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %s", srctar, err)
		}
		decompressed, err := containerdCompression.DecompressStream(f)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %s", srctar, err)
		}

		return decompressed, nil
	})
	if err != nil {
		return err
	}

	return tarball.Write(newRef, img, dstFile)
}

func imageFromTar(imagename, architecture, OS string, opener func() (io.ReadCloser, error)) (name.Reference, container.Image, error) {
	newRef, err := name.ParseReference(imagename)
	if err != nil {
		return nil, nil, err
	}

	layer, err := tarball.LayerFromOpener(opener)
	if err != nil {
		return nil, nil, err
	}

	baseImage := empty.Image
	cfg, err := baseImage.ConfigFile()
	if err != nil {
		return nil, nil, err
	}

	cfg.Architecture = architecture
	cfg.OS = OS

	baseImage, err = mutate.ConfigFile(baseImage, cfg)
	if err != nil {
		return nil, nil, err
	}
	img, err := mutate.Append(baseImage, mutate.Addendum{
		Layer: layer,
		History: container.History{
			CreatedBy: "EmberBoot",
			Comment:   "Boot payload bundle",
			Created:   container.Time{Time: time.Now()},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	return newRef, img, nil
}

// GetArchFromRootfs returns the architecture declared by a rootfs
func GetArchFromRootfs(rootfs string, l logger.KairosLogger) (string, error) {
	var arch string
	var ok bool
	releaseFilename := filepath.Join("etc", "kairos-release")
	if _, ok := os.Stat(filepath.Join(rootfs, releaseFilename)); os.IsNotExist(ok) {
		// Try to fall back to os-release as we used that before
		releaseFilename = filepath.Join("etc", "os-release")
	}
	l.Logger.Debug().Str("file", releaseFilename).Str("rootfs", rootfs).Msg("Checking for architecture in rootfs")

	kairosRelease, err := godotenv.Read(filepath.Join(rootfs, releaseFilename))
	if err != nil {
		return "", err
	}
	arch, ok = kairosRelease["KAIROS_ARCH"]
	if ok && arch != "" {
		l.Logger.Debug().Str("file", releaseFilename).Str("arch", arch).Str("rootfs", rootfs).Msg("Found KAIROS_ARCH in rootfs")
		return arch, nil
	}

	// Fall back to target arch, this was used before kairos-init
	archFallback, ok := kairosRelease["KAIROS_TARGETARCH"]
	if ok && archFallback != "" {
		l.Logger.Debug().Str("file", releaseFilename).Str("arch", archFallback).Str("rootfs", rootfs).Msg("Found KAIROS_TARGETARCH in rootfs")
		return archFallback, nil
	}
	l.Logger.Debug().Str("file", releaseFilename).Str("rootfs", rootfs).Msg("Could not find KAIROS_ARCH/KAIROS_TARGETARCH in rootfs")
	return "", fmt.Errorf("KAIROS_ARCH/KAIROS_TARGETARCH not found in %s", releaseFilename)
}

// NameFromRootfs generates the artifact base name from the rootfs release
// files, so raw disks and bundles built from the same source share a name:
// kairos-ubuntu-24.04-core-amd64-generic-v3.2.4
// No extension is added, that is up to the caller.
func NameFromRootfs(rootfs string) string {
	if _, err := os.Stat(filepath.Join(rootfs, "etc/kairos-release")); err == nil {
		flavor, err := sdkUtils.OSRelease("FLAVOR", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get image flavor")
		}
		flavorVersion, err := sdkUtils.OSRelease("FLAVOR_RELEASE", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get image flavor version")
		}
		variant, err := sdkUtils.OSRelease("VARIANT", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get image variant")
		}
		arch, err := sdkUtils.OSRelease("ARCH", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			// Try to get TARGETARCH as a fallback
			arch, err = sdkUtils.OSRelease("TARGETARCH", filepath.Join(rootfs, "etc/kairos-release"))
			if err != nil {
				internal.Log.Logger.Error().Err(err).Msg("failed to get image arch")
			}
		}
		model, err := sdkUtils.OSRelease("MODEL", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get image model")
		}
		version, err := sdkUtils.OSRelease("VERSION", filepath.Join(rootfs, "etc/kairos-release"))
		if err != nil {
			internal.Log.Logger.Error().Err(err).Msg("failed to get image version")
		}
		return fmt.Sprintf("%s-%s-%s-%s-%s-%s", flavor, flavorVersion, variant, arch, model, version)
	}

	// Before 3.2.x the kairos info was in /etc/os-release
	flavor, err := sdkUtils.OSRelease("FLAVOR", filepath.Join(rootfs, "etc/os-release"))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to get image flavor")
	}
	label, err := sdkUtils.OSRelease("IMAGE_LABEL", filepath.Join(rootfs, "etc/os-release"))
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("failed to get image label")
	}
	return fmt.Sprintf("%s-%s", flavor, label)
}

// SafeOCIName returns a string version of the artifact name without + which are invalid in labels
func SafeOCIName(name string) string {
	return strings.ReplaceAll(name, "+", "-")
}
