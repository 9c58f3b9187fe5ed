package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "quorum-node",
	Short: "Quorum oracle registry and dispatcher",
	Long: `quorum-node runs the oracle registry and evaluation dispatcher behind an
HTTP API, and queries a running node.

Oracle nodes connect to /ws and answer evaluate requests. Requesters submit
evaluations over the signed HTTP API and pay oracle fees through the ledger.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to quorum.yml")
	rootCmd.PersistentFlags().String("node", "http://localhost:8080", "node API base URL")
	rootCmd.PersistentFlags().String("key", "data/node.key", "hex secp256k1 key file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("node", rootCmd.PersistentFlags().Lookup("node"))
	_ = viper.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(oraclesCmd())
	rootCmd.AddCommand(evaluationCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(eventsCmd())
}
