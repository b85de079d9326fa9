package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var (
		serverFlag string
		tokenFlag  string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions on the server",
	}
	cmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", envOr("TERMSPAN_SERVER", "http://127.0.0.1:7070"), "Server base URL")
	cmd.PersistentFlags().StringVarP(&tokenFlag, "token", "t", envOr("TERMSPAN_TOKEN", ""), "API token")

	type sessionMeta struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Kind      string    `json:"kind"`
		CWD       string    `json:"cwd"`
		CreatedAt time.Time `json:"created_at"`
		Live      bool      `json:"live"`
		Attached  int       `json:"attached"`
		ExitCode  int       `json:"exit_code"`
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []sessionMeta
			err := apiRequest(cmd.Context(), "GET", serverFlag+"/api/sessions", tokenFlag, nil, &sessions)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATE\tCLIENTS\tCREATED")
			for _, s := range sessions {
				state := "exited"
				clients := "-"
				if s.Live {
					state = "live"
					clients = fmt.Sprintf("%d", s.Attached)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.Kind, state, clients, s.CreatedAt.Local().Format("Jan 02 15:04"))
			}
			return w.Flush()
		},
	}

	var (
		newName    string
		newKind    string
		newCWD     string
		newCommand string
	)
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{
				"name":    newName,
				"kind":    newKind,
				"cwd":     newCWD,
				"command": newCommand,
			}
			var created sessionMeta
			if err := apiRequest(cmd.Context(), "POST", serverFlag+"/api/sessions", tokenFlag, req, &created); err != nil {
				return err
			}
			fmt.Println(created.ID)
			return nil
		},
	}
	newCmd.Flags().StringVar(&newName, "name", "", "Session name")
	newCmd.Flags().StringVar(&newKind, "kind", "shell", "Session kind (shell or agent)")
	newCmd.Flags().StringVar(&newCWD, "cwd", "", "Working directory")
	newCmd.Flags().StringVar(&newCommand, "command", "", "Command to run (defaults to $SHELL)")

	kill := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiRequest(cmd.Context(), "DELETE", serverFlag+"/api/sessions/"+args[0], tokenFlag, nil, nil)
		},
	}

	rename := &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"name": args[1]}
			return apiRequest(cmd.Context(), "PATCH", serverFlag+"/api/sessions/"+args[0], tokenFlag, req, nil)
		},
	}

	cmd.AddCommand(list, newCmd, kill, rename)
	return cmd
}
