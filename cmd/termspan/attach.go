package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/termspan/termspan/internal/client"
	"github.com/termspan/termspan/internal/logger"
	"github.com/termspan/termspan/internal/view"
)

func attachCmd() *cobra.Command {
	var (
		serverFlag string
		tokenFlag  string
	)

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			server := strings.TrimSuffix(serverFlag, "/")
			token := tokenFlag
			if token == "" {
				return fmt.Errorf("no token: pass --token or set TERMSPAN_TOKEN")
			}

			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return fmt.Errorf("stdin is not a terminal")
			}
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}
			defer term.Restore(fd, oldState)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cols, rows, err := term.GetSize(fd)
			if err != nil {
				cols, rows = 80, 24
			}
			// Shadow emulator: tracks screen state and scrollback locally so a
			// replayed backlog does not fight scroll detection, and so resizes
			// are only sent when the size actually changed.
			v := view.New(cols, rows)
			v.Fit(cols, rows)
			defer v.Close()

			exited := make(chan int, 1)
			c := client.New(client.Options{
				URL:    wsURL(server) + "/ws",
				Ticket: ticketFetcher(server, token),
				OnOutput: func(sid string, data []byte, replay bool) {
					if replay {
						v.BeginReplay()
					}
					v.Write(data)
					os.Stdout.Write(data)
				},
				OnAttached: func(sid string, srvCols, srvRows int) {
					// The ack arrives after the backlog; replay is over.
					v.EndReplay()
				},
				OnExit: func(sid string, code int) {
					exited <- code
				},
				OnSessionError: func(sid, msg string) {
					fmt.Fprintf(os.Stderr, "\r\nsession error: %s\r\n", msg)
					exited <- 1
				},
				OnStateChange: func(s client.State, err error) {
					// A drop surfaces as Disconnected with the read error;
					// that is when the user should see "reconnecting".
					if s == client.StateStale || (s == client.StateDisconnected && err != nil) {
						fmt.Fprintf(os.Stderr, "\r\n[reconnecting: %s]\r\n", s)
					}
				},
				Log: logger.Log,
			})

			c.Attach(sessionID)
			c.Resize(sessionID, cols, rows)

			// Window size changes propagate as resize messages; the server
			// applies the max across all attached clients. Fit dedupes, so a
			// burst of SIGWINCH with the same final size sends one message.
			winch := make(chan os.Signal, 1)
			signal.Notify(winch, syscall.SIGWINCH)
			defer signal.Stop(winch)
			go func() {
				for range winch {
					if cols, rows, err := term.GetSize(fd); err == nil && v.Fit(cols, rows) {
						c.Resize(sessionID, cols, rows)
					}
				}
			}()

			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						c.SendInput(sessionID, buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()

			select {
			case code := <-exited:
				c.Close()
				term.Restore(fd, oldState)
				if code != 0 {
					os.Exit(code)
				}
				return nil
			case err := <-runErr:
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&serverFlag, "server", "s", envOr("TERMSPAN_SERVER", "http://127.0.0.1:7070"), "Server base URL")
	cmd.Flags().StringVarP(&tokenFlag, "token", "t", envOr("TERMSPAN_TOKEN", ""), "API token")
	return cmd
}

// wsURL converts an http(s) base URL to its ws(s) equivalent.
func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	default:
		return server
	}
}

// ticketFetcher exchanges the long-lived API token for a one-time upgrade
// ticket on every (re)connect.
func ticketFetcher(server, token string) client.TicketFunc {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/auth/ticket", nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("ticket request failed: %s", resp.Status)
		}
		var body struct {
			Ticket string `json:"ticket"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.Ticket, nil
	}
}

// apiRequest performs an authenticated JSON API call and decodes the response
// into out (which may be nil).
func apiRequest(ctx context.Context, method, url, token string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
