package cli

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Create or inspect identity files",
	}
	cmd.AddCommand(newIdentityNewCommand(), newIdentityShowCommand())
	return cmd
}

func newIdentityNewCommand() *cobra.Command {
	var (
		realm   string
		subject string
		ttl     time.Duration
		force   bool
		typ     string
	)

	cmd := &cobra.Command{
		Use:   "new <file>",
		Short: "Create a new identity file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTokenType(typ)
			if err != nil {
				return err
			}
			if !force {
				if _, err := aaa.Load(args[0]); err == nil {
					return fmt.Errorf("%s already holds an identity, use --force to replace it", args[0])
				}
			}
			id, err := aaa.NewIdentity(t, realm, subject, ttl)
			if err != nil {
				return err
			}
			if err := id.Save(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&realm, "realm", "", "realm stamped into the token")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", aaa.NodeTokenTTL, "token lifetime")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	cmd.Flags().StringVar(&typ, "type", "node", "token type (node|identity)")

	return cmd
}

func newIdentityShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Print the public part of an identity file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := aaa.Load(args[0])
			if err != nil {
				return err
			}
			tok := id.Token()
			out, err := json.MarshalIndent(struct {
				Fingerprint string     `json:"fingerprint"`
				Token       *aaa.Token `json:"token"`
			}{id.Fingerprint(), tok}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func parseTokenType(s string) (aaa.Type, error) {
	switch s {
	case "node":
		return aaa.TypeNode, nil
	case "identity":
		return aaa.TypeIdentity, nil
	}
	return aaa.TypeUndefined, fmt.Errorf("unknown token type %q", s)
}
