package main

import (
	"fmt"

	cachekey "github.com/always-cache/precache/pkg/cache-key"

	"github.com/spf13/cobra"
)

var listKeysFlag bool

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Manage the buckets in the database",
}

var bucketsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List buckets and their entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		storage, err := openStorage(cfg.Database)
		if err != nil {
			return err
		}
		defer storage.Close()

		names, err := storage.Names()
		if err != nil {
			return err
		}
		current := cfg.Manifest.CacheName()
		keyer, err := cachekey.NewCacheKeyer(cfg.Manifest.Scope)
		if err != nil {
			return err
		}
		for _, name := range names {
			bucket, err := storage.Open(name)
			if err != nil {
				return err
			}
			keys, err := bucket.Keys()
			if err != nil {
				return err
			}
			marker := " "
			if name == current {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%d\n", marker, name, len(keys))
			if !listKeysFlag {
				continue
			}
			for _, key := range keys {
				req, err := keyer.GetRequestFromKey(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", req.URL.Path)
			}
		}
		return nil
	},
}

var bucketsRemoveCmd = &cobra.Command{
	Use:     "rm NAME...",
	Aliases: []string{"delete"},
	Short:   "Delete buckets",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		storage, err := openStorage(cfg.Database)
		if err != nil {
			return err
		}
		defer storage.Close()

		for _, name := range args {
			deleted, err := storage.Delete(name)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no bucket named %s", name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
		}
		return nil
	},
}

func init() {
	bucketsListCmd.Flags().BoolVarP(&listKeysFlag, "keys", "k", false, "List the stored resources too")
	bucketsCmd.AddCommand(bucketsListCmd, bucketsRemoveCmd)
	rootCmd.AddCommand(bucketsCmd)
}
