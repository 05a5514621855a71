package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the VPS is reachable and healthy",
		RunE:  runHealth,
	}
}

// healthView is the --json output of the health command.
type healthView struct {
	BaseURL string `json:"baseUrl"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	client, err := newServiceClient(cc, false)
	if err != nil {
		return err
	}
	defer client.Close()

	herr := client.Health(cmd.Context())

	if cc.Flags.JSON {
		v := healthView{BaseURL: client.BaseURL(), Status: "ok"}
		if herr != nil {
			v.Status = "unavailable"
			v.Error = herr.Error()
		}

		if err := printJSON(cc.Out, v); err != nil {
			return err
		}

		return herr
	}

	if herr != nil {
		return fmt.Errorf("health check failed for %s: %w", client.BaseURL(), herr)
	}

	fmt.Fprintf(cc.Out, "%s: ok\n", client.BaseURL())

	return nil
}
