package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the API key for a bearer token and show its expiry",
		Long: `Exchange the configured API key for a bearer token.

Prints when the token expires. With --show the token itself is printed on
stdout, for use in scripts (e.g. curl -H "Authorization: Bearer $(vps-go token --show)").`,
		RunE: runToken,
	}

	cmd.Flags().Bool("show", false, "print the bearer token on stdout")

	return cmd
}

// tokenView is the --json output of the token command.
type tokenView struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn string    `json:"expiresIn"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	show, err := cmd.Flags().GetBool("show")
	if err != nil {
		return err
	}

	client, err := newServiceClient(cc, true)
	if err != nil {
		return err
	}
	defer client.Close()

	cred, err := client.GetAuthToken(cmd.Context())
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	expiresIn := time.Until(cred.ExpiresAt).Round(time.Second)

	if cc.Flags.JSON {
		v := tokenView{ExpiresAt: cred.ExpiresAt, ExpiresIn: expiresIn.String()}
		if show {
			v.Token = cred.Token
		}

		return printJSON(cc.Out, v)
	}

	if show {
		fmt.Fprintln(cc.Out, cred.Token)
		return nil
	}

	fmt.Fprintf(cc.Out, "Token valid until %s (in %s)\n", cred.ExpiresAt.Local().Format(time.RFC3339), expiresIn)

	return nil
}
