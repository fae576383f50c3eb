package cli

import (
	"github.com/spf13/cobra"

	"github.com/panoforge/panoforge/internal/web"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status web UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		srv := web.NewServer(a.store, a.db, servePort, nil)
		return srv.ListenAndServe()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8199, "port to listen on")
}
