// Package main provides a terminal chat client for the coach relay.
// It mirrors the web client's frame handling and doubles as a manual
// smoke test against a running server.
package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	userID     string
	sessionID  string
)

// frame mirrors the server's outbound frame union.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Options   []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Value string `json:"value"`
	} `json:"options,omitempty"`
	Error string `json:"error,omitempty"`
}

type request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

var rootCmd = &cobra.Command{
	Use:   "coach",
	Short: "Terminal chat client for the coach relay server",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "server host:port")
	rootCmd.Flags().StringVarP(&userID, "user", "u", "", "user id sent to the server (optional)")
	rootCmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	rootCmd.SilenceUsage = true
}

func run(cmd *cobra.Command, args []string) error {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/ws/chat"}
	if userID != "" {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer ws.Close()

	fmt.Println("connected. type a message and press enter; ctrl-d to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if err := ws.WriteJSON(request{Message: text, SessionID: sessionID}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if err := renderTurn(ws); err != nil {
			return err
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// renderTurn consumes frames until the turn completes or fails.
func renderTurn(ws *websocket.Conn) error {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch f.Type {
		case "session":
			sessionID = f.SessionID
			fmt.Printf("[session %s]\n", f.SessionID)
		case "chunk":
			fmt.Print(f.Content)
		case "options":
			fmt.Println()
			for i, opt := range f.Options {
				fmt.Printf("  %d. %s\n", i+1, opt.Label)
			}
		case "done":
			fmt.Println()
			return nil
		case "error":
			fmt.Printf("\n[error] %s\n", f.Error)
			// Retry notices are followed by more frames; anything else
			// ends the turn.
			if !strings.Contains(f.Error, "正在重试") {
				return nil
			}
		default:
			fmt.Printf("\n[unknown frame %q]\n", f.Type)
		}
	}
}
