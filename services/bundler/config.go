package bundler

import (
	"io"
	"time"

	"bootvault/pkg/apiclient"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// Dir holds the files to mirror. Each regular file becomes one artifact named after its
	// base name.
	Dir    string
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures bundle import operations.
type ImportConfig struct {
	BundlePath string
	Client     *apiclient.Client
	Signer     *Signer
	Stdout     io.Writer
}
