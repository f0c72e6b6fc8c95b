package bundler

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
)

// Build hashes every file under Dir, signs a manifest for them and writes a tar.zst archive to
// Output with the manifest as its first entry.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Dir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("stat artifacts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts dir %q is not a directory", cfg.Dir)
	}

	entries, err := collectArtifacts(ctx, cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeBundle(ctx, cfg.Output, manifestBytes, manifest.CreatedAt, cfg.Dir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts)\n", cfg.Output, len(entries))
	return manifest, nil
}

func collectArtifacts(ctx context.Context, root string) ([]ManifestArtifact, error) {
	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		size, digest, sum, err := hashFile(p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ManifestArtifact{
			Path:        rel,
			DisplayName: path.Base(rel),
			Kind:        inferKind(rel),
			Size:        size,
			Digest:      digest,
			SHA256:      sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// hashFile returns the size, MD5 and SHA-256 of the file at p in one read.
func hashFile(p string) (int64, string, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", "", fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	md5h, shah := md5.New(), sha256.New()
	size, err := io.Copy(io.MultiWriter(md5h, shah), f)
	if err != nil {
		return 0, "", "", fmt.Errorf("hash %q: %w", p, err)
	}
	return size, hex.EncodeToString(md5h.Sum(nil)), hex.EncodeToString(shah.Sum(nil)), nil
}

func writeBundle(ctx context.Context, output string, manifest []byte, modTime time.Time, dir string, entries []ManifestArtifact) (err error) {
	if parent := filepath.Dir(output); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := appendFile(tw, dir, entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finish zstd: %w", err)
	}
	return nil
}

func appendFile(tw *tar.Writer, dir string, entry ManifestArtifact) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(entry.Path)))
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("%q changed while bundling", entry.Path)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     entry.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

func inferKind(p string) string {
	lower := strings.ToLower(path.Base(p))
	switch {
	case strings.HasPrefix(lower, "vmlinuz"), strings.HasPrefix(lower, "bzimage"), strings.HasPrefix(lower, "linux"):
		return "kernel"
	case strings.HasPrefix(lower, "initrd"), strings.HasPrefix(lower, "initramfs"):
		return "initrd"
	case strings.HasSuffix(lower, ".iso"):
		return "iso"
	case strings.HasSuffix(lower, ".efi"):
		return "efi"
	case strings.HasSuffix(lower, ".kpxe"), strings.HasSuffix(lower, ".pxe"), strings.HasSuffix(lower, ".0"):
		return "pxe"
	case strings.HasSuffix(lower, ".ipxe"):
		return "ipxe-script"
	case strings.HasSuffix(lower, ".wim"):
		return "wim"
	case strings.HasSuffix(lower, ".img"), strings.HasSuffix(lower, ".qcow2"), strings.HasSuffix(lower, ".raw"):
		return "disk-image"
	case strings.HasSuffix(lower, ".squashfs"):
		return "squashfs"
	default:
		return "file"
	}
}

// Import verifies the bundle signature and every checksum, then uploads each artifact through the
// API and checks the digest the server reports matches the manifest.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("api client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	tempDir, err := os.MkdirTemp("", "bootvault-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := extractBundle(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}
	manifest, err := verifyManifest(manifestBytes, cfg.Signer)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	for _, art := range manifest.Artifacts {
		tempPath, ok := files[path.Join(artifactsTarPrefix, path.Clean(art.Path))]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
	}

	for _, art := range manifest.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stored, err := uploadArtifact(ctx, cfg, files[path.Join(artifactsTarPrefix, path.Clean(art.Path))], art)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "uploaded %s as %s (%d bytes)\n", art.Path, stored, art.Size)
	}
	return manifest, nil
}

func extractBundle(ctx context.Context, bundlePath, tempDir string) ([]byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		tr            = tar.NewReader(decoder)
		manifestBytes []byte
		files         = map[string]string{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			manifestBytes, err = io.ReadAll(io.LimitReader(tr, 16<<20))
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		if !strings.HasPrefix(name, artifactsTarPrefix+"/") {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		if _, dup := files[name]; dup {
			return nil, nil, fmt.Errorf("duplicate entry %q", name)
		}

		target := filepath.Join(tempDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir for %q: %w", name, err)
		}
		if err := writeTemp(target, tr); err != nil {
			return nil, nil, fmt.Errorf("extract %q: %w", name, err)
		}
		files[name] = target
	}

	if len(manifestBytes) == 0 {
		return nil, nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}
	return manifestBytes, files, nil
}

func writeTemp(target string, r io.Reader) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func verifyManifest(data []byte, signer *Signer) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func validateArtifact(p string, art ManifestArtifact) error {
	size, digest, sum, err := hashFile(p)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(sum, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	if !strings.EqualFold(digest, art.Digest) {
		return fmt.Errorf("md5 mismatch for %q", art.Path)
	}
	return nil
}

func uploadArtifact(ctx context.Context, cfg ImportConfig, p string, art ManifestArtifact) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %q for upload: %w", art.Path, err)
	}
	defer f.Close()

	stored, err := cfg.Client.PutArtifact(ctx, art.DisplayName, f, art.Size)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", art.Path, err)
	}
	if !strings.EqualFold(stored.Digest, art.Digest) {
		return "", fmt.Errorf("server digest %s for %q does not match manifest digest %s", stored.Digest, art.Path, art.Digest)
	}
	return stored.StoredName, nil
}
