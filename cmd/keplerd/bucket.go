package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage a node's local bucket storage",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a fresh bucket's on-disk layout",
	Long: `create provisions the document stores and failover logs for every
partition named by the config, without starting the replication service
or any background task. Run this once before the first serve on a new
data directory; serve also tolerates an already-provisioned directory,
so re-running create is harmless.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("keplerd bucket create: load config: %w", err)
		}

		stores, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer closeStores(stores)

		failoverTables, err := openFailoverTables(cfg)
		if err != nil {
			return err
		}

		for i := uint16(0); i < cfg.NumPartitions; i++ {
			if _, ok := failoverTables[i].Latest(); !ok {
				if _, err := failoverTables[i].Promote(0); err != nil {
					return fmt.Errorf("keplerd bucket create: seed failover table for vbid %d: %w", i, err)
				}
			}
		}

		fmt.Printf("bucket provisioned: %d partitions under %s\n", cfg.NumPartitions, cfg.DataDir)
		return nil
	},
}

func init() {
	bucketCmd.AddCommand(bucketCreateCmd)
}
