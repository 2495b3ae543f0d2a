package cli

import (
	"fmt"
	"os"

	"github.com/me/vgrid/internal/connector"
	"github.com/spf13/cobra"
)

// defaultServer returns the default grid URL, checking VGRID_SERVER_URL first.
func defaultServer() string {
	if s := os.Getenv("VGRID_SERVER_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func newHealthCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the grid is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connector.NewHTTPConnector(connector.HTTPConfig{
				ServerURL: server,
				APIKey:    os.Getenv("VGRID_API_KEY"),
				Retries:   1,
			}, currentLogger())
			if err != nil {
				return err
			}
			if err := conn.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", server)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer(), "Grid URL (or VGRID_SERVER_URL env)")
	return cmd
}
