package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/citadel"
)

var secretsCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets in the vault",
	Long:  "Store, reveal, update, and manage encrypted secrets. Mutating and revealing operations require view authorization, which re-verifies the master secret.",
}

var addSecretCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a new secret",
	Long:  "Seal a new secret with optional label and tags. Data can be provided via stdin, file, or inline.",
	RunE:  addSecret,
}

var revealSecretCmd = &cobra.Command{
	Use:   "reveal [record-id]",
	Short: "Reveal a secret",
	Long:  "Decrypt and print a secret's plaintext. Requires view authorization.",
	Args:  cobra.ExactArgs(1),
	RunE:  revealSecret,
}

var editSecretCmd = &cobra.Command{
	Use:   "edit [record-id]",
	Short: "Replace a secret's plaintext",
	Long:  "Replace a secret's plaintext. A fresh salt and nonce are generated.",
	Args:  cobra.ExactArgs(1),
	RunE:  editSecret,
}

var deleteSecretCmd = &cobra.Command{
	Use:   "delete [record-id]",
	Short: "Delete a secret",
	Long:  "Permanently delete a secret record from the vault.",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteSecret,
}

var listSecretsCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets",
	Long:  "List metadata for the user's secret records. Plaintext is never shown.",
	RunE:  listSecrets,
}

var upgradeSecretCmd = &cobra.Command{
	Use:   "upgrade [record-id]",
	Short: "Re-encrypt a secret under current key-derivation parameters",
	Long:  "Migrate a record sealed under weaker historical parameters to the current iteration count. Records already at current strength are left untouched.",
	Args:  cobra.ExactArgs(1),
	RunE:  upgradeSecret,
}

var (
	secretLabel string
	secretTags  []string
	secretFile  string
	secretData  string
	outputJSON  bool
)

func init() {
	rootCmd.AddCommand(secretsCmd)

	secretsCmd.AddCommand(addSecretCmd)
	secretsCmd.AddCommand(revealSecretCmd)
	secretsCmd.AddCommand(editSecretCmd)
	secretsCmd.AddCommand(deleteSecretCmd)
	secretsCmd.AddCommand(listSecretsCmd)
	secretsCmd.AddCommand(upgradeSecretCmd)

	addSecretCmd.Flags().StringVarP(&secretLabel, "label", "l", "", "label for the secret")
	addSecretCmd.Flags().StringSliceVarP(&secretTags, "tags", "t", nil, "tags for the secret")
	addSecretCmd.Flags().StringVarP(&secretFile, "file", "f", "", "read secret data from file (use '-' for stdin)")
	addSecretCmd.Flags().StringVarP(&secretData, "data", "d", "", "secret data as string")

	editSecretCmd.Flags().StringVarP(&secretFile, "file", "f", "", "read secret data from file (use '-' for stdin)")
	editSecretCmd.Flags().StringVarP(&secretData, "data", "d", "", "secret data as string")

	listSecretsCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func addSecret(cmd *cobra.Command, args []string) error {
	plaintext, err := readSecretInput()
	if err != nil {
		return err
	}
	return withView(func(sessionID string) error {
		recordID, addErr := vaultSvc.AddSecret(sessionID, secretLabel, secretTags, plaintext)
		if addErr != nil {
			return addErr
		}
		fmt.Println(recordID)
		return nil
	})
}

func revealSecret(cmd *cobra.Command, args []string) error {
	return withView(func(sessionID string) error {
		plaintext, err := vaultSvc.RevealSecret(sessionID, args[0])
		if err != nil {
			return err
		}
		if _, err = os.Stdout.Write(plaintext); err != nil {
			return err
		}
		if !strings.HasSuffix(string(plaintext), "\n") {
			fmt.Println()
		}
		return nil
	})
}

func editSecret(cmd *cobra.Command, args []string) error {
	plaintext, err := readSecretInput()
	if err != nil {
		return err
	}
	return withView(func(sessionID string) error {
		if err := vaultSvc.EditSecret(sessionID, args[0], plaintext); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' updated\n", args[0])
		return nil
	})
}

func deleteSecret(cmd *cobra.Command, args []string) error {
	return withView(func(sessionID string) error {
		if err := vaultSvc.DeleteSecret(sessionID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' deleted\n", args[0])
		return nil
	})
}

func listSecrets(cmd *cobra.Command, args []string) error {
	return withSession(func(sessionID string) error {
		infos, err := vaultSvc.ListSecrets(sessionID)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(infos)
		}
		printSecretTable(infos)
		return nil
	})
}

func upgradeSecret(cmd *cobra.Command, args []string) error {
	return withView(func(sessionID string) error {
		if err := vaultSvc.UpgradeSecret(sessionID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' upgraded\n", args[0])
		return nil
	})
}

// readSecretInput resolves the secret plaintext from --data, --file or
// stdin, in that priority order.
func readSecretInput() ([]byte, error) {
	if secretData != "" && secretFile != "" {
		return nil, fmt.Errorf("use either --data or --file, not both")
	}
	if secretData != "" {
		return []byte(secretData), nil
	}
	if secretFile == "" || secretFile == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(secretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", secretFile, err)
	}
	return data, nil
}

func printSecretTable(infos []citadel.SecretInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD ID\tLABEL\tTAGS\tITERATIONS\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			info.RecordID,
			info.Label,
			strings.Join(info.Tags, ","),
			info.KDFIterations,
			formatTime(info.UpdatedAt))
	}
	w.Flush()
	fmt.Printf("\n%d secret(s)\n", len(infos))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
