package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"icfesprep/internal/middleware"
	contextutils "icfesprep/internal/utils"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// TokenCommands returns the API token commands
func TokenCommands() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Service token commands",
	}

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Hash a service token for server.api_token_hashes",
		Long: `Read a bearer token and print its bcrypt hash. The token is read without
echo from a terminal, or as the first line of stdin otherwise.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := readToken(cmd)
			if err != nil {
				return err
			}
			hash, err := middleware.HashServiceToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	return tokenCmd
}

func readToken(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", contextutils.WrapError(err, "failed to read token")
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", contextutils.WrapError(contextutils.ErrMissingRequired, "no token on stdin")
	}
	return strings.TrimSpace(line), nil
}
