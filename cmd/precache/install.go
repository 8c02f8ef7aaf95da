package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest into the database and exit",
	Long: `Fetches every manifest URL and stores the responses in the bucket of the
current version. Nothing is stored if any of them fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Database == "" || cfg.Database == "memory" {
			return fmt.Errorf("install needs a database file to store the bucket in")
		}

		storage, err := openStorage(cfg.Database)
		if err != nil {
			return err
		}
		defer storage.Close()
		network, closeNetwork, err := newNetwork(cfg)
		if err != nil {
			return err
		}
		defer closeNetwork()

		worker, err := newWorker(cfg, storage, network)
		if err != nil {
			return err
		}
		if err := worker.Install(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %d resources into %s\n", len(cfg.Manifest.URLs), cfg.Manifest.CacheName())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
