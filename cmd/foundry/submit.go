package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a build",
	Long: `Submit a source archive for building.

Examples:
  # Submit directly
  foundry submit --platform ios --source ./app-src.zip --certs ./signing.zip

  # Submit from a manifest
  foundry submit -f build.yaml

The response includes the build's access token. It is shown exactly
once; later status, log, and download calls need it (or the admin key).`,
	RunE: runSubmit,
}

func init() {
	addClientFlags(submitCmd)
	submitCmd.Flags().StringP("file", "f", "", "YAML build manifest")
	submitCmd.Flags().String("platform", "", "Target platform: ios or android")
	submitCmd.Flags().String("source", "", "Source archive (zip)")
	submitCmd.Flags().String("certs", "", "Signing material archive (zip, optional)")

	rootCmd.AddCommand(submitCmd)
}

// BuildManifest is the YAML shape accepted by submit -f. File paths in
// the spec block resolve relative to the manifest's own directory.
type BuildManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       BuildSpec        `yaml:"spec"`
}

type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type BuildSpec struct {
	Platform string `yaml:"platform"`
	Source   string `yaml:"source"`
	Certs    string `yaml:"certs,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	platform, _ := cmd.Flags().GetString("platform")
	sourcePath, _ := cmd.Flags().GetString("source")
	certsPath, _ := cmd.Flags().GetString("certs")
	manifestPath, _ := cmd.Flags().GetString("file")

	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %v", err)
		}

		var manifest BuildManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("failed to parse manifest: %v", err)
		}
		if manifest.Kind != "Build" {
			return fmt.Errorf("unsupported manifest kind: %s", manifest.Kind)
		}

		base := filepath.Dir(manifestPath)
		platform = manifest.Spec.Platform
		sourcePath = resolvePath(base, manifest.Spec.Source)
		certsPath = resolvePath(base, manifest.Spec.Certs)

		if manifest.Metadata.Name != "" {
			fmt.Printf("Submitting build: %s\n", manifest.Metadata.Name)
		}
	}

	if platform == "" {
		return fmt.Errorf("platform is required (--platform or manifest spec.platform)")
	}
	if sourcePath == "" {
		return fmt.Errorf("source archive is required (--source or manifest spec.source)")
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source archive: %v", err)
	}
	defer source.Close()

	var certs io.Reader
	if certsPath != "" {
		f, err := os.Open(certsPath)
		if err != nil {
			return fmt.Errorf("failed to open certs archive: %v", err)
		}
		defer f.Close()
		certs = f
	}

	c := newAPIClient(cmd)
	result, err := c.SubmitBuild(context.Background(), platform, source, certs)
	if err != nil {
		return fmt.Errorf("failed to submit build: %v", err)
	}

	fmt.Printf("✓ Build submitted: %s\n", result.ID)
	fmt.Printf("  Status: %s\n", result.Status)
	fmt.Printf("  Access token: %s\n", result.AccessToken)
	return nil
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
