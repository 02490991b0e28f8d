package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/principal"
)

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Principal administration",
	Long:  `Commands for managing principals directly in the configured storage backend.`,
}

var (
	addDisplayName string
	addEmail       string
)

var principalAddCmd = &cobra.Command{
	Use:   "add <identifier>",
	Short: "Create a principal; the password is read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		p, err := addPrincipal(cmd.Context(), cfg, principal.NewPrincipal{
			Identifier:  args[0],
			DisplayName: addDisplayName,
			Email:       addEmail,
			Password:    password,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created principal %s (%s)\n", p.Identifier, p.ID)
		return nil
	},
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required on stdin")
	}
	return line, nil
}

func addPrincipal(ctx context.Context, c *config.Config, in principal.NewPrincipal) (*principal.Principal, error) {
	s := &stack{}
	defer s.Close()
	sealer, err := openStore(ctx, c, s)
	if err != nil {
		return nil, err
	}
	return principal.NewDirectory(s.repo, sealer).Create(ctx, in)
}

func init() {
	rootCmd.AddCommand(principalCmd)
	principalCmd.AddCommand(principalAddCmd)
	principalAddCmd.Flags().StringVar(&addDisplayName, "display-name", "", "Display name shown in presence channels")
	principalAddCmd.Flags().StringVar(&addEmail, "email", "", "Email address for sign-in codes")
}
