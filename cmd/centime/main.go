package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "centime",
	Short: "Centime — Job & Credit Accounting Engine",
	Long:  "Centime is a gateway that sits between product services and upstream LLM providers, grouping calls into billable jobs, routing them through model groups with priority fallback, and charging team credit balances exactly once per job.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/centime.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
