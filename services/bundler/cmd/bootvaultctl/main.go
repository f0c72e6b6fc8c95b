package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bootvault/pkg/apiclient"
	"bootvault/services/bundler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// apiFlags are shared by every command that talks to the management API.
type apiFlags struct {
	url   string
	token string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "api", os.Getenv("BOOTVAULT_API"), "Base URL of the bootvault API (default $BOOTVAULT_API)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("BOOTVAULT_TOKEN"), "Admin bearer token (default $BOOTVAULT_TOKEN)")
}

func (f *apiFlags) client() (*apiclient.Client, error) {
	if f.url == "" {
		return nil, fmt.Errorf("--api or BOOTVAULT_API is required")
	}
	return apiclient.New(f.url, f.token, nil)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bootvaultctl",
		Short:         "Manage a bootvault server: bundles, seeding and boot attempts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBundlesCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newAttemptsCommand())
	return cmd
}

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Build and import signed artifact bundles for air-gapped sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand())
	cmd.AddCommand(newBundlesImportCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var dir, output string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from a directory of boot artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(cmd.Context(), bundler.BuildConfig{
				Dir:    dir,
				Output: output,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory containing artifacts to include")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesImportCommand() *cobra.Command {
	var (
		bundleFile string
		api        apiFlags
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and upload its artifacts through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			client, err := api.client()
			if err != nil {
				return err
			}
			_, err = bundler.Import(cmd.Context(), bundler.ImportConfig{
				BundlePath: bundleFile,
				Client:     client,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	api.register(cmd)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
