// Command keplerd runs the storage engine: a single binary exposing the
// replication gRPC service, the metrics endpoint, and a handful of
// administrative subcommands for provisioning local storage and pushing
// a collections manifest.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/kepler/internal/elog"
)

var rootCmd = &cobra.Command{
	Use:   "keplerd",
	Short: "keplerd - eventually-persistent key-value storage engine",
	Long: `keplerd is a partitioned, eventually-persistent key-value storage
engine: an in-memory hash table per partition, a checkpoint log feeding
an asynchronous flusher, collection lifecycle tracking, and a DCP-style
streaming replication protocol between nodes.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a config YAML file (defaults baked in if omitted)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	elog.Init(elog.Config{
		Level:      elog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
