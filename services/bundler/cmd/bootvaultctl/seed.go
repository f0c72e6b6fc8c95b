package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bootvault/pkg/apiclient"
)

// seedFile lists profiles and accounts to create or update.
type seedFile struct {
	Profiles []struct {
		Name   string `yaml:"name"`
		Script string `yaml:"script"`
	} `yaml:"profiles"`
	Accounts []struct {
		Principal string `yaml:"principal"`
		Secret    string `yaml:"secret"`
		Profile   string `yaml:"profile"`
	} `yaml:"accounts"`
}

func newSeedCommand() *cobra.Command {
	var (
		file string
		api  apiFlags
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update boot profiles and accounts from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			client, err := api.client()
			if err != nil {
				return err
			}
			return applySeed(cmd.Context(), client, data, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Seed file (YAML)")
	api.register(cmd)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// applySeed upserts profiles before accounts so account assignments always resolve. Existing
// accounts get their secret and profile replaced.
func applySeed(ctx context.Context, client *apiclient.Client, data []byte, out io.Writer) error {
	var seed seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, p := range seed.Profiles {
		if _, err := client.UpsertProfile(ctx, p.Name, p.Script); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		fmt.Fprintf(out, "profile %s\n", p.Name)
	}

	for _, a := range seed.Accounts {
		_, err := client.CreateAccount(ctx, a.Principal, a.Secret, a.Profile)
		switch {
		case err == nil:
			fmt.Fprintf(out, "account %s created\n", a.Principal)
		case apiclient.IsStatus(err, http.StatusConflict):
			secret := a.Secret
			if _, err := client.UpdateAccount(ctx, a.Principal, &secret, a.Profile); err != nil {
				return fmt.Errorf("account %q: %w", a.Principal, err)
			}
			fmt.Fprintf(out, "account %s updated\n", a.Principal)
		default:
			return fmt.Errorf("account %q: %w", a.Principal, err)
		}
	}
	return nil
}
