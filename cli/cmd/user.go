package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage vault users",
}

var createUserCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a vault user",
	Long:  "Provision the configured user id with the configured master secret.",
	RunE:  createUser,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(createUserCmd)
}

func createUser(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.CreateUser(userID, []byte(masterSecret)); err != nil {
		return err
	}
	fmt.Printf("User '%s' created\n", userID)
	return nil
}
