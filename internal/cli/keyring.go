package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
)

var (
	keyringService string
	keyringBindDN  string
)

// keyringCmd groups the keyring subcommands
var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage bind passwords stored in the system keyring",
}

var keyringSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Prompt for a bind password and store it in the keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := storePassword(keyringService, keyringBindDN, promptPassword); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored password for %s in %s\n", keyringBindDN, keyringService)
		return nil
	},
}

var keyringDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a stored bind password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return deletePassword(keyringService, keyringBindDN)
	},
}

func init() {
	RootCmd.AddCommand(keyringCmd)
	keyringCmd.AddCommand(keyringSetCmd, keyringDeleteCmd)
	keyringCmd.PersistentFlags().StringVarP(&keyringService, "service", "s", defaultService, "keyring service name, used to distinguish between directories")
	keyringCmd.PersistentFlags().StringVarP(&keyringBindDN, "bind-dn", "D", "", "bind DN the password belongs to")
	_ = keyringCmd.MarkPersistentFlagRequired("bind-dn")
}

func storePassword(service, bindDN string, prompt func(string) ([]byte, error)) error {
	if service == "" {
		return fmt.Errorf("service name missing")
	}
	if bindDN == "" {
		return fmt.Errorf("bind DN missing")
	}

	password, err := prompt(bindDN)
	if err != nil {
		return err
	}
	defer clear(password)

	if len(password) == 0 {
		return fmt.Errorf("empty password for %s", bindDN)
	}
	return keyring.Set(service, bindDN, string(password))
}

func deletePassword(service, bindDN string) error {
	err := keyring.Delete(service, bindDN)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("no password for %q in keyring service %q", bindDN, service)
	}
	return err
}
