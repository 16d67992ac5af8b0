package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/x79d8/internal/storeconfig"
	"github.com/deploymenttheory/x79d8/internal/x79store"
)

var (
	initBlockSizeKB int
	initScryptLogN  int
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Lay down a fresh store in an empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		fs := afero.NewOsFs()
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		password, err := promptNewPassword()
		if err != nil {
			return err
		}

		blockSize := initBlockSizeKB * 1024
		if initBlockSizeKB == 0 {
			blockSize = storeconfig.DefaultBlockSize
		}
		scryptLogN := initScryptLogN
		if scryptLogN == 0 {
			scryptLogN = storeconfig.DefaultScryptLogN
		}

		if err := x79store.Init(fs, dir, password, blockSize, scryptLogN); err != nil {
			return err
		}
		fmt.Printf("initialized store in %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().IntVar(&initBlockSizeKB, "block-size-kb", 0, "block size in KiB (default 1024)")
	initCmd.Flags().IntVar(&initScryptLogN, "scrypt-log-n", 0, "scrypt log_n cost parameter (default 15)")
}
