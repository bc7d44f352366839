// Handles the "s3store check-config" command

package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// checkConfigCmd represents the check-config command
var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Verify the object store configuration",
	Long: `Checks that every required configuration option is set and that the
configured bucket exists or can be created with the given credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := storeManager.CheckConfig(); err != nil {
			return errors.Wrap(err, "Configuration check failed")
		}
		storeManager.Logger.Info("Configuration OK!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
