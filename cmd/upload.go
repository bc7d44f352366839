// Handles the "s3store upload" command

package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/opencatalog/s3store/pkg/migrate"
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload [all|pairtree|<id>]",
	Short: "Migrate legacy on-disk files into the object store",
	Long: `Uploads existing files from disk to the object store.

If 'all' is specified (the default), this will scan for files on disk
and attempt to upload each one to the matching resource.

If 'pairtree' is specified, this attempts to upload items from the
legacy pairtree storage. NB selecting 'all' will not attempt to load
from pairtree.

Otherwise, if an id is specified, this will attempt to upload the
matching resource or all resources in the matching package.

Uploads are existence-checked, so an interrupted run can safely be
repeated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := storeManager.MigrationEngine()

		target := "all"
		if len(args) > 0 {
			target = args[0]
		}

		var err error
		var counts migrate.Counts
		switch target {
		case "all":
			counts, err = engine.UploadAll()
		case "pairtree":
			counts, err = engine.UploadPairtree()
		default:
			counts, err = engine.UploadOne(target)
		}
		if err != nil {
			return errors.Wrap(err, "Migration failed")
		}

		storeManager.Logger.Infof("Uploaded %d resources to the object store", counts.Uploaded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
