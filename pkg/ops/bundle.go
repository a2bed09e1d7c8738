package ops

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	containerdCompression "github.com/containerd/containerd/v2/pkg/archive/compression"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/utils"
	"github.com/twpayne/go-vfs/v5"
)

// ExtractBundle unpacks a downloaded payload bundle tarball into dst.
// Compression is autodetected, published bundles are gzip but local ones may
// be plain tars.
func ExtractBundle(srcFunc valueGetOnCall, dst string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		src := srcFunc()
		internal.Log.Logger.Info().Str("source", src).Str("target", dst).Msg("Extracting payload bundle")

		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening bundle %s: %w", src, err)
		}
		defer f.Close()

		decompressed, err := containerdCompression.DecompressStream(f)
		if err != nil {
			return fmt.Errorf("decompressing bundle %s: %w", src, err)
		}
		defer decompressed.Close()

		tr := tar.NewReader(decompressed)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("reading bundle %s: %w", src, err)
			}

			target, err := sanitizeExtractPath(dst, hdr.Name)
			if err != nil {
				return err
			}

			switch hdr.Typeflag {
			case tar.TypeDir:
				if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
					return err
				}
			case tar.TypeReg:
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return err
				}
				out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
				if err != nil {
					return err
				}
				if _, err := io.Copy(out, tr); err != nil {
					out.Close()
					return err
				}
				if err := out.Close(); err != nil {
					return err
				}
			case tar.TypeSymlink:
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return err
				}
				os.Remove(target)
				if err := os.Symlink(hdr.Linkname, target); err != nil {
					return err
				}
			default:
				internal.Log.Logger.Debug().Str("name", hdr.Name).Int32("type", int32(hdr.Typeflag)).Msg("skipping bundle entry")
			}
		}
		return nil
	}
}

// Tarballs are untrusted input, keep every entry inside dst.
func sanitizeExtractPath(dst, name string) (string, error) {
	target := filepath.Join(dst, name)
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("bundle entry %q escapes the destination dir", name)
	}
	return target, nil
}

// PackageBundle packs the payload dir into a tar.gz next to the other
// artifacts, the counterpart of ExtractBundle.
func PackageBundle(payloadDirFunc valueGetOnCall, dst string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payloadDir := payloadDirFunc()
		internal.Log.Logger.Info().Str("source", payloadDir).Str("target", dst).Msg("Packaging payload bundle")

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("creating bundle %s: %w", dst, err)
		}

		// utils.Tar gzips on its own
		if err := utils.Tar(payloadDir, out); err != nil {
			out.Close()
			return fmt.Errorf("packaging %s: %w", payloadDir, err)
		}
		if err := out.Close(); err != nil {
			return err
		}

		checksum, err := utils.CalcFileChecksum(vfs.OSFS, dst)
		if err != nil {
			return fmt.Errorf("checksumming %s: %w", dst, err)
		}
		internal.Log.Logger.Info().Str("target", dst).Str("sha256", checksum).Msg("Packaged payload bundle")
		return nil
	}
}

// PackageOCI wraps the payload bundle into a single layer OCI image written
// as a docker-save style tarball, so payloads can be shipped through a
// registry like any other artifact.
func PackageOCI(bundleFunc valueGetOnCall, dst, imageName, arch string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bundle := bundleFunc()
		name := utils.SafeOCIName(imageName)
		internal.Log.Logger.Info().Str("source", bundle).Str("target", dst).Str("image", name).Msg("Packaging payload as OCI artifact")
		return utils.CreateTar(internal.Log, bundle, dst, name, arch, "linux")
	}
}
