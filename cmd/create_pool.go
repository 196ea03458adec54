/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"github.com/spf13/cobra"
)

var createPoolCmd = &cobra.Command{
	Use:   "create-pool",
	Short: "Create a document pool for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.pools.Create(cmd.Context(), owner, name)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	rootCmd.AddCommand(createPoolCmd)

	createPoolCmd.Flags().StringP("name", "n", "", "Pool name")
	createPoolCmd.Flags().StringP("owner", "o", "", "Owner id")
	createPoolCmd.MarkFlagRequired("name")
	createPoolCmd.MarkFlagRequired("owner")
}
