package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/termspan/termspan/internal/auth"
	"github.com/termspan/termspan/internal/config"
	"github.com/termspan/termspan/internal/store"
)

func tokenCmd() *cobra.Command {
	var (
		dbFlag    string
		labelFlag string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token (run on the server host)",
		Long:  "Creates a long-lived API token by writing directly to the server database.\nThe token is printed once and only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbFlag)
			if err != nil {
				return err
			}
			defer st.Close()

			au, err := auth.New(st, envOr("TERMSPAN_JWT_SECRET", ""))
			if err != nil {
				return err
			}
			token, err := au.NewAPIToken(labelFlag)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbFlag, "db", config.Default().Database.Path, "Path to the server database")
	cmd.Flags().StringVar(&labelFlag, "label", "", "Label identifying the token's owner")
	return cmd
}
