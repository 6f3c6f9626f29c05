// Command client is a terminal chat client for the gateway.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

const help = `commands: /dm <user>, /typing, /stop, /seen, /post <id>, /unpost <id>, /quit
anything else is sent to the open conversation`

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address, empty to skip login")
	userID := flag.String("user", "user1", "user id")
	dmUser := flag.String("dm", "", "user id to open a conversation with")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger, _, err := logging.New("client", *level, "")
	if err != nil {
		slog.Error("Bad log level", "error", err)
		os.Exit(1)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws", RawQuery: url.Values{"userId": {*userID}}.Encode()}
	header := http.Header{}
	if *apiAddr != "" {
		token, err := login(*apiAddr, *userID)
		if err != nil {
			logger.Error("Login failed", "error", err)
			os.Exit(1)
		}
		header.Add("Authorization", "Bearer "+token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, newSession(u.String(), header, logger), newChat(*userID, *dmUser), os.Stdin, os.Stdout); err != nil {
		logger.Error("Client stopped", "error", err)
		os.Exit(1)
	}
}

// run connects, then pumps stdin lines to the gateway and gateway frames to
// out until the user quits or the connection is gone for good.
func run(ctx context.Context, s *session, c *chat, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.close()
	fmt.Fprintln(out, help)

	if c.conversation != "" {
		if err := s.send(outbound{model.EventJoinConversation, model.ConversationRef{ConversationID: c.conversation}}); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() {
		for {
			frame, err := s.read(ctx)
			if err != nil {
				done <- err
				return
			}
			line, replies := c.react(frame)
			if line != "" {
				fmt.Fprintf(out, "\r%s\n> ", line)
			}
			for _, reply := range replies {
				if err := s.send(reply); err != nil {
					s.logger.Warn("Failed to answer frame", "event", reply.event, "error", err)
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			frames, err := c.parse(line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "%v\n> ", err)
				continue
			}
			for _, f := range frames {
				if err := s.send(f); err != nil {
					fmt.Fprintf(out, "write: %v\n", err)
				}
			}
			fmt.Fprint(out, "> ")
		}
	}
}
