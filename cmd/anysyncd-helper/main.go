// anysyncd-helper runs on peer hosts. It exposes the two operations the
// pipeline's network phases invoke remotely: reading the stamp files and
// committing the distributed tree into the live tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/helper"
	"github.com/openmined/anysyncd/internal/mirror"
	"github.com/openmined/anysyncd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "anysyncd-helper",
	Short:   "anysyncd remote helper",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "anysyncd config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stamps <syncer>",
		Short: "Print the syncer's stamps as <success>:<lastchange>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			line, err := helper.Stamps(cfg.Global.StateDir, args[0])
			if err != nil {
				return err
			}
			fmt.Println(line)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "commit <syncer>",
		Short: "Swap the distributed tree into the syncer's live tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sc, err := findSyncer(cfg, args[0])
			if err != nil {
				return err
			}
			return helper.Commit(cmd.Context(), mirror.NewRsync(), sc.ProdDir, sc.CsyncDir)
		},
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func findSyncer(cfg *config.Config, name string) (*config.SyncerConfig, error) {
	for _, sc := range cfg.Syncers {
		if sc.Name == name {
			if sc.Handler != config.HandlerCsync2Rotate {
				return nil, fmt.Errorf("syncer %q does not use the two-phase handler", name)
			}
			return sc, nil
		}
	}
	if err, ok := cfg.Skipped[name]; ok {
		return nil, fmt.Errorf("syncer %q misconfigured: %w", name, err)
	}
	return nil, fmt.Errorf("unknown syncer %q", name)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
