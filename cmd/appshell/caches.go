package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"appshell/internal/offline"
)

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Inspect the persistent cache store",
}

var cachesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stores in creation order with their entry counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, cfg, err := openPersistent()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		names, err := st.Names(ctx)
		if err != nil {
			return err
		}
		current := offline.Generation{ID: cfg.Cache.Generation, Prefix: cfg.Cache.Prefix}
		out := cmd.OutOrStdout()
		for _, name := range names {
			s, err := st.Open(ctx, name)
			if err != nil {
				return err
			}
			keys, err := s.Keys(ctx)
			if err != nil {
				return err
			}
			mark := " "
			if current.Current(name) {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s\t%d\n", mark, name, len(keys))
		}
		return nil
	},
}

var cachesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every store outside the configured generation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, cfg, err := openPersistent()
		if err != nil {
			return err
		}
		defer st.Close()

		keep := offline.Generation{ID: cfg.Cache.Generation, Prefix: cfg.Cache.Prefix}
		dropped, err := offline.PruneStores(cmd.Context(), st, keep)
		for _, name := range dropped {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
		}
		return err
	},
}

func init() {
	cachesCmd.AddCommand(cachesListCmd, cachesPruneCmd)
}

func openPersistent() (*offline.LevelDBStorage, offline.Config, error) {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return nil, offline.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Driver != "leveldb" {
		return nil, offline.Config{}, fmt.Errorf("storage.driver is %q, only leveldb stores can be inspected", cfg.Storage.Driver)
	}
	st, err := offline.OpenLevelDBStorage(cfg.Storage.Path)
	if err != nil {
		return nil, offline.Config{}, fmt.Errorf("open leveldb %s: %w", cfg.Storage.Path, err)
	}
	return st, cfg, nil
}
