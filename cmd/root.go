// Root of command-line argument parsing.
// This file was based off the standard cobra template, see
// https://github.com/spf13/cobra
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencatalog/s3store/pkg/storemgr"
)

var cfgFile string

var storeManager *storemgr.Manager

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "s3store",
	Short: "Object store utilities for the data catalog",
	Long: `Tools for managing catalog files in an S3-compatible object store:
configuration checks and the one-time migration of legacy on-disk files.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		mgrArgs := map[string]interface{}{}
		if cfgFile != "" {
			mgrArgs["config-file"] = cfgFile
		}

		var err error
		storeManager, err = storemgr.NewManager(mgrArgs)
		if err != nil {
			fmt.Printf("Failed to initialize store manager: %v\n", err)
			os.Exit(1)
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if storeManager == nil || storeManager.Logger == nil {
			fmt.Printf("%v\n", err)
		} else {
			storeManager.Logger.Error(err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/s3store.yaml)")
}
