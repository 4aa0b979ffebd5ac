package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	rebind "github.com/isometry/ldap-rebind/internal/ldap"
	"github.com/isometry/ldap-rebind/internal/scope"
)

type searchOptions struct {
	url            string
	bindDN         string
	passwordEnv    string
	keyringService string
	base           string
	filter         string
	scope          string
	attrs          []string
	strategy       string
	maxHops        int
	insecure       bool

	prompt func(bindDN string) ([]byte, error)
}

var searchOpts = searchOptions{prompt: promptPassword}

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a search and follow referrals",
	Long: `Binds to the server at --url, registers the bind credentials for
referral rebinding and runs the search. Entries from referred servers are
merged into the output; referrals that could not be followed are listed at
the end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(cmd.ErrOrStderr(), verbose)

		config, err := searchOpts.config()
		if err != nil {
			return err
		}
		dialer, err := rebind.NewDialer(config, logger)
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), &searchOpts, config, dialer, logger, cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchOpts.url, "url", "H", "", "LDAP URL of the server to search, e.g. ldaps://dc1.example.com")
	searchCmd.Flags().StringVarP(&searchOpts.bindDN, "bind-dn", "D", "", "bind DN; omit for an anonymous search")
	searchCmd.Flags().StringVar(&searchOpts.passwordEnv, "password-env", "", "environment variable holding the bind password")
	searchCmd.Flags().StringVarP(&searchOpts.keyringService, "keyring-service", "s", "", "keyring service holding the bind password")
	searchCmd.Flags().StringVarP(&searchOpts.base, "base", "b", "", "search base DN")
	searchCmd.Flags().StringVarP(&searchOpts.filter, "filter", "f", "(objectClass=*)", "search filter")
	searchCmd.Flags().StringVar(&searchOpts.scope, "scope", "sub", "search scope: base, one or sub")
	searchCmd.Flags().StringSliceVarP(&searchOpts.attrs, "attr", "a", nil, "attribute to return (repeatable)")
	searchCmd.Flags().StringVar(&searchOpts.strategy, "strategy", "bind", "rebind strategy: bind, supply or none")
	searchCmd.Flags().IntVar(&searchOpts.maxHops, "max-hops", 5, "maximum referral chain depth")
	searchCmd.Flags().BoolVar(&searchOpts.insecure, "insecure-skip-verify", false, "skip TLS certificate verification")
	_ = searchCmd.MarkFlagRequired("url")
	_ = searchCmd.MarkFlagRequired("base")
}

// config builds a validated rebind configuration from the flags.
func (o *searchOptions) config() (*rebind.RebindConfig, error) {
	config := rebind.DefaultConfig()
	config.Strategy = o.strategy
	config.MaxReferralHops = o.maxHops
	config.TLSConfig.InsecureSkipVerify = o.insecure

	if _, err := config.RebindStrategy(); err != nil {
		return nil, err
	}
	return config, nil
}

// password resolves the bind password from, in order, the environment,
// the keyring or an interactive prompt. Anonymous searches need none.
func (o *searchOptions) password() (string, error) {
	if o.bindDN == "" {
		return "", nil
	}

	switch {
	case o.passwordEnv != "":
		password := os.Getenv(o.passwordEnv)
		if password == "" {
			return "", fmt.Errorf("environment variable %s is empty", o.passwordEnv)
		}
		return password, nil
	case o.keyringService != "":
		password, err := keyring.Get(o.keyringService, o.bindDN)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no password for %q in keyring service %q (run: %s keyring set)", o.bindDN, o.keyringService, defaultService)
		}
		return password, err
	case o.prompt != nil:
		password, err := o.prompt(o.bindDN)
		if err != nil {
			return "", err
		}
		return string(password), nil
	default:
		return "", nil
	}
}

func parseSearchScope(s string) (int, error) {
	switch strings.ToLower(s) {
	case "base":
		return ldap.ScopeBaseObject, nil
	case "one":
		return ldap.ScopeSingleLevel, nil
	case "sub", "":
		return ldap.ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("invalid scope %q (want base, one or sub)", s)
	}
}

// runSearch binds, registers the bind credentials for referral rebinding and
// prints the merged result. The registry entry lives in a scope tied to ctx.
func runSearch(ctx context.Context, opts *searchOptions, config *rebind.RebindConfig, dialer rebind.Dialer, logger rebind.Logger, out io.Writer) error {
	searchScope, err := parseSearchScope(opts.scope)
	if err != nil {
		return err
	}

	password, err := opts.password()
	if err != nil {
		return err
	}

	s := scope.FromContext(ctx, scope.WithName("search"))
	defer s.Destroy()

	primary, err := dialer.Dial(ctx, opts.url)
	if err != nil {
		return err
	}

	conn, err := rebind.NewReferralConn(primary, config,
		rebind.WithDialer(dialer), rebind.WithReferralLogger(logger))
	if err != nil {
		primary.Close()
		return err
	}
	defer conn.Close()

	if err := conn.Bind(opts.bindDN, password); err != nil {
		return err
	}

	registry, err := rebind.NewRebindRegistryFromConfig(config, rebind.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := registry.Add(s, conn, opts.bindDN, password); err != nil {
		if !rebind.IsNotImplementedError(err) {
			return err
		}
		logger.Warn("Referrals will be followed anonymously", map[string]any{
			"strategy": config.Strategy,
			"error":    err.Error(),
		})
	}

	req := ldap.NewSearchRequest(
		opts.base,
		searchScope,
		ldap.NeverDerefAliases,
		0, 0, false,
		opts.filter,
		opts.attrs,
		nil,
	)

	res, err := conn.Search(ctx, req)
	if err != nil {
		return err
	}
	return printResult(out, res)
}

// printResult writes entries in LDIF-like form followed by unchased referrals.
func printResult(w io.Writer, res *ldap.SearchResult) error {
	var b strings.Builder
	for _, entry := range res.Entries {
		fmt.Fprintf(&b, "dn: %s\n", entry.DN)
		for _, attr := range entry.Attributes {
			for _, value := range attr.Values {
				fmt.Fprintf(&b, "%s: %s\n", attr.Name, value)
			}
		}
		b.WriteString("\n")
	}
	for _, referral := range res.Referrals {
		fmt.Fprintf(&b, "# unchased referral: %s\n", referral)
	}
	fmt.Fprintf(&b, "# entries: %d\n", len(res.Entries))

	_, err := io.WriteString(w, b.String())
	return err
}
