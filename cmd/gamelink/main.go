// Gamelink: line-chat peer for gamelink sessions.
//
// A host creates a session on the broker and chats with every client that
// joins; a client joins a session by id. Messages travel over a direct
// WebRTC data channel when one can be opened and through the broker's relay
// otherwise.
//
// It can be launched interactively (no --role) or non-interactively via
// flags (--role, --session, --url, --relay, --game-port).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/directory"
	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/signaling"
	"github.com/1ureka/gamelink/internal/transport"
	"github.com/1ureka/gamelink/internal/util"
)

var version = "dev"

// chatLine is the application payload exchanged between peers.
type chatLine struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	fs := pflag.NewFlagSet("gamelink", pflag.ExitOnError)
	role := fs.String("role", "", "role: host or client")
	session := fs.String("session", "", "session id to join (client only)")
	name := fs.String("name", "", "display name (default: role)")
	gamePort := fs.Int("game-port", 0, "list a game on this port in the broker directory (host only)")
	gameAddr := fs.String("game-address", "", "public address of the listed game (host only)")
	cfg.Peer.AddFlags(fs)
	cfg.Log.AddFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if cfg.Log.Debug {
		util.EnableDebug()
	}
	logFile := util.TeeToFile(util.LogFile{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logFile.Close()

	pterm.Info.Println(fmt.Sprintf("Gamelink — v%s", version))
	pterm.Println()

	opts := signaling.Options{
		URL:         cfg.Peer.SignalingURL,
		Subprotocol: cfg.Peer.Subprotocol,
		Transport:   transport.Options{ICEServers: cfg.Peer.ICEServers},
		Relay:       cfg.Peer.Relay,
	}

	switch config.Role(*role) {
	case "":
		// No --role flag → interactive mode.
		err = runInteractive(ctx, opts)

	case config.RoleHost:
		var game *directory.Registration
		if *gamePort > 0 {
			if *gameAddr == "" {
				util.LogError("--game-port needs --game-address")
				os.Exit(1)
			}
			game = &directory.Registration{Address: *gameAddr, Port: *gamePort}
		}
		err = runHost(ctx, opts, displayName(*name, "host"), game)

	case config.RoleClient:
		if *session == "" {
			util.LogError("missing --session for client role")
			os.Exit(1)
		}
		err = runClient(ctx, opts, displayName(*name, "client"), *session)

	default:
		util.LogError("invalid --role: must be 'host' or 'client'")
		os.Exit(1)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for the role and session when no --role flag is provided.
func runInteractive(ctx context.Context, opts signaling.Options) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Create a session", "Client — Join a session"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		return runHost(ctx, opts, "host", nil)
	}
	return runClient(ctx, opts, "client", askSession())
}

// runHost creates a session and relays chat lines between stdin and every client.
func runHost(ctx context.Context, opts signaling.Options, name string, game *directory.Registration) error {
	host := signaling.NewHost(opts)

	var mu sync.Mutex
	peers := make(map[int]*signaling.Channel)

	host.OnConnection(func(ch *signaling.Channel) {
		mu.Lock()
		peers[ch.Client()] = ch
		mu.Unlock()

		mode := "direct"
		if ch.Relayed() {
			mode = "relay"
		}
		util.LogSuccess("client %d connected over %s", ch.Client(), mode)

		ch.OnMessage(func(m json.RawMessage) { printLine(m) })
		ch.OnClose(func(err error) {
			mu.Lock()
			delete(peers, ch.Client())
			mu.Unlock()
			util.LogInfo("client %d left", ch.Client())
		})
	})
	host.OnError(logBrokerError)

	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer host.Close()

	util.LogSuccess("session id: %s (share it with clients)", host.Session())

	if game != nil {
		if err := host.Register(*game); err != nil {
			return fmt.Errorf("failed to register game: %w", err)
		}
		util.LogInfo("game on port %d listed in the directory", game.Port)
	}

	return chat(ctx, host.Done(), name, func(payload []byte) {
		mu.Lock()
		targets := make([]*signaling.Channel, 0, len(peers))
		for _, ch := range peers {
			targets = append(targets, ch)
		}
		mu.Unlock()

		for _, ch := range targets {
			if err := ch.Send(payload); err != nil {
				util.LogWarning("send to client %d failed: %v", ch.Client(), err)
			}
		}
	})
}

// runClient joins session and exchanges chat lines with its host.
func runClient(ctx context.Context, opts signaling.Options, name, session string) error {
	client := signaling.NewClient(opts)

	closed := make(chan error, 1)
	client.OnOpen(func(ch *signaling.Channel) {
		util.LogSuccess("connected to host (%s)", ch.State())
	})
	client.OnMessage(func(m json.RawMessage) { printLine(m) })
	client.OnClose(func(err error) { closed <- err })
	client.OnError(logBrokerError)

	if err := client.Join(ctx, session); err != nil {
		return fmt.Errorf("failed to join session %s: %w", session, err)
	}
	defer client.Close()

	err := chat(ctx, client.Done(), name, func(payload []byte) {
		if err := client.Send(payload); err != nil {
			if errors.Is(err, signaling.ErrNoChannel) {
				util.LogWarning("not connected yet")
				return
			}
			util.LogWarning("send failed: %v", err)
		}
	})
	select {
	case cause := <-closed:
		if errors.Is(cause, signaling.ErrSessionNotFound) {
			return cause
		}
	default:
	}
	return err
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// chat reads stdin lines and hands them to send until ctx or done ends.
func chat(ctx context.Context, done <-chan struct{}, name string, send func([]byte)) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			payload, err := json.Marshal(chatLine{From: name, Text: line})
			if err != nil {
				return err
			}
			send(payload)
		}
	}
}

func printLine(m json.RawMessage) {
	var line chatLine
	if err := json.Unmarshal(m, &line); err != nil || line.Text == "" {
		pterm.Println(string(m))
		return
	}
	pterm.Println(pterm.Cyan(line.From+":") + " " + line.Text)
}

func logBrokerError(e *protocol.Envelope) {
	switch e.Code {
	case protocol.CodeRelayDisabled:
		util.LogWarning("the broker does not allow relay")
	case protocol.CodeNotReachable:
		util.LogWarning("listed game is not reachable: %s", strings.Trim(string(e.Details), `"`))
	default:
		util.LogWarning("broker error %d %s", e.Error, e.Message)
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// askSession prompts the user for a session id until a valid one is entered.
func askSession() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session id").
			Show()

		id := strings.TrimSpace(raw)
		if _, err := strconv.ParseUint(id, 10, 64); err == nil {
			pterm.Println()
			return id
		}

		util.LogWarning("invalid session id: must be a number")
		pterm.Println()
	}
}
