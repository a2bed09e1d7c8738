package config

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/template"

	"github.com/kairos-io/emberboot/deployer"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/pkg/schema"
	"github.com/kairos-io/kairos-sdk/unstructured"
	"gopkg.in/yaml.v3"
)

// Cloud configs are yaml and yip templates themselves, so the values
// templating uses delimiters that cannot show up in either.
const (
	delimLeft  = "[[["
	delimRight = "]]]"
)

func isUrl(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func downloadFile(url string) (content string, err error) {
	b := bytes.NewBuffer([]byte{})
	resp, err := http.Get(url)
	if err != nil {
		return b.String(), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return b.String(), fmt.Errorf("bad status: %s", resp.Status)
	}

	_, err = io.Copy(b, resp.Body)
	if err != nil {
		return b.String(), err
	}

	return b.String(), nil
}

func render(data string, foo any) (string, error) {
	t, err := template.New("cloudConfig template").Delims(delimLeft, delimRight).Option("missingkey=zero").Parse(data)
	if err != nil {
		internal.Log.Logger.Error().Err(err).Msg("Parsing data")
		internal.Log.Logger.Debug().Err(err).Str("data", data).Str("Left delimiter", delimLeft).Str("Right delimiter", delimRight).Msg("Parsing data")
		return "", err
	}
	b := bytes.NewBuffer([]byte{})
	err = t.Execute(b, foo)
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// ReadConfig reads and parses configuration from various sources. A config
// file (local path or URL) comes first, then the --set overrides land on top
// of it.
func ReadConfig(fileConfig, cloudConfig string, options []string) (*schema.Config, *schema.ReleaseArtifact, error) {
	c := &schema.Config{}
	r := &schema.ReleaseArtifact{}

	if fileConfig != "" {
		var err error
		if isUrl(fileConfig) {
			var d string
			d, err = downloadFile(fileConfig)
			if err != nil {
				return c, r, err
			}
			c, r, err = deployer.LoadByte([]byte(d))
			if err != nil {
				return c, r, err
			}
		} else {
			c, r, err = deployer.LoadFile(fileConfig)
			if err != nil {
				return c, r, err
			}
		}
	}

	m := map[string]interface{}{}
	var templateValues map[string]interface{}

	for _, c := range options {
		i := strings.Index(c, "=")
		if i != -1 {
			k := c[:i]
			// Old keys to new, clear values
			if strings.ToLower(k) == "disk.raw" {
				k = "disk.efi"
			}
			if strings.ToLower(k) == "disk.mbr" {
				k = "disk.bios"
			}
			if strings.ToLower(k) == "payload.grub_dir" {
				k = "payload.grub_lib_dir"
			}
			v := c[i+1:]
			m[k] = v
		} else {
			return nil, nil, fmt.Errorf("Invalid arguments for set")
		}
	}

	y, err := unstructured.ToYAML(m)
	if err != nil {
		return c, r, err
	}

	yaml.Unmarshal(y, c)
	yaml.Unmarshal(y, r)
	yaml.Unmarshal(y, &templateValues)

	if err := validate(c); err != nil {
		return nil, nil, err
	}

	if cloudConfig != "" {
		var err error
		c.CloudConfig, err = ReadCloudConfig(cloudConfig, templateValues)
		if err != nil {
			return nil, nil, err
		}
		internal.Log.Logger.Debug().Str("cc", c.CloudConfig).Msg("Cloud config")
	}

	return c, r, nil
}

// validate rejects patch coordinates no image file can satisfy before any
// step runs, a bad offset fails fast here instead of mid build.
func validate(c *schema.Config) error {
	if c.Payload.BootPatchOffset < 0 {
		return fmt.Errorf("payload.boot_patch_offset must not be negative, got %d", c.Payload.BootPatchOffset)
	}
	if c.Payload.CorePatchOffset < 0 {
		return fmt.Errorf("payload.core_patch_offset must not be negative, got %d", c.Payload.CorePatchOffset)
	}
	return nil
}

// ReadCloudConfig reads and processes cloud configuration from stdin ("-"), a
// local file or a URL, rendering the template values into it.
func ReadCloudConfig(cloudConfig string, templateValues map[string]interface{}) (string, error) {
	result := ""
	if cloudConfig == "-" {
		d, err := io.ReadAll(os.Stdin)
		if err != nil {
			return result, fmt.Errorf("error reading from STDIN")
		}
		result, err = render(string(d), templateValues)
		if err != nil {
			return result, err
		}
	} else if _, err := os.Stat(cloudConfig); err == nil {
		dat, err := os.ReadFile(cloudConfig)
		if err == nil {
			result, err = render(string(dat), templateValues)
			if err != nil {
				return result, err
			}
		}
	} else if isUrl(cloudConfig) {
		d, err := downloadFile(cloudConfig)
		if err != nil {
			return result, err
		}
		result, err = render(d, templateValues)
		if err != nil {
			return result, err
		}
	} else {
		return result, fmt.Errorf("file '%s' not found", cloudConfig)
	}

	if result == "" {
		return result, fmt.Errorf("cloud config set but contents are empty. Check that the content of the file is correct or the path is the proper one")
	}

	return result, nil
}
