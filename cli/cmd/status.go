package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/citadel"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display information about the vault including memory protection level and record count.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Vault Status")
	fmt.Println("============")

	if v, ok := vaultSvc.(*citadel.Vault); ok {
		fmt.Printf("Memory Protection: %s\n", v.MemoryProtection())
	}
	fmt.Printf("Store Type: %s\n", viper.GetString("store.type"))
	fmt.Printf("Store Path: %s\n", storePath)
	fmt.Printf("User: %s\n", userID)

	return withSession(func(sessionID string) error {
		infos, err := vaultSvc.ListSecrets(sessionID)
		if err != nil {
			fmt.Printf("Total Secrets: ERROR - %v\n", err)
			return nil
		}
		fmt.Printf("Total Secrets: %d\n", len(infos))
		return nil
	})
}
