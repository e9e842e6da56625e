package microvm

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/octolab-io/octolab/internal/types"
)

type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Environment map[string]string `yaml:"environment"`
}

// buildComposeBundle renders docker-compose.yml + .env for the guest and
// packs them as a base64(tar.gz), the shape upload_project expects.
func buildComposeBundle(lab *types.Lab, recipe *types.Recipe, vncPassword string) (string, error) {
	image := "octolab/desktop:latest"
	if recipe != nil && recipe.Software != "" {
		image = recipe.Software
	}

	doc := composeDocument{
		Services: map[string]composeService{
			"desktop": {
				Image: image,
				Ports: []string{fmt.Sprintf("%d:%d", VNCGuestPort, VNCGuestPort)},
				Environment: map[string]string{
					"OCTOLAB_LAB_ID": lab.ID.String(),
					"VNC_PASSWORD":   vncPassword,
				},
			},
		},
	}
	composeYAML, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshaling compose document: %w", err)
	}
	envContent := fmt.Sprintf("OCTOLAB_LAB_ID=%s\nVNC_PASSWORD=%s\n", lab.ID.String(), vncPassword)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := writeTarFile(tw, "docker-compose.yml", composeYAML); err != nil {
		return "", err
	}
	if err := writeTarFile(tw, ".env", []byte(envContent)); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("closing gzip writer: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o600,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("writing tar content for %s: %w", name, err)
	}
	return nil
}
