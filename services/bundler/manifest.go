package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest is the signed index of a bundle.
type Manifest struct {
	Version          string             `yaml:"version"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestArtifact describes one file in the bundle. Digest is the lowercase hex MD5 the store
// derives stored names from; SHA256 guards the archive contents.
type ManifestArtifact struct {
	Path        string `yaml:"path"`
	DisplayName string `yaml:"display_name"`
	Kind        string `yaml:"kind"`
	Size        int64  `yaml:"size"`
	Digest      string `yaml:"digest"`
	SHA256      string `yaml:"sha256"`
}
