package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	rebind "github.com/isometry/ldap-rebind/internal/ldap"
)

const defaultService = "ldap-refsearch"

var verbose bool

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "ldap-refsearch",
	Short: "Search a directory, following referrals with the original credentials",
	Long: `ldap-refsearch runs an LDAP search and follows any referrals it returns,
re-authenticating each referred connection with the credentials used for the
initial bind.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return RootCmd.ExecuteContext(ctx)
}

// newLogger writes human-readable logs to a terminal and JSON otherwise.
func newLogger(w io.Writer, verbose bool) rebind.Logger {
	level := hclog.Warn
	if verbose {
		level = hclog.Debug
	}

	return rebind.NewHCLogger(hclog.New(&hclog.LoggerOptions{
		Name:       defaultService,
		Level:      level,
		Output:     w,
		Color:      hclog.AutoColor,
		JSONFormat: !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// promptPassword reads a password from the terminal with echo disabled.
func promptPassword(bindDN string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal available for password prompt (use --password-env or --keyring-service)")
	}

	fmt.Fprintf(os.Stderr, "[%s] Password: ", bindDN)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}
