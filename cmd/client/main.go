// The client binary is a terminal participant. In the default mode it joins
// a session as a human: lines typed become chat, /peer <connId> opens a
// direct data channel, /msg sends over it. With -ai it runs the bridge
// participant instead, answering the session through the completion API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/ai"
	"github.com/dkeye/parley/internal/bridge"
	"github.com/dkeye/parley/internal/client/conn"
	"github.com/dkeye/parley/internal/client/peer"
	"github.com/dkeye/parley/internal/config"
	"github.com/dkeye/parley/internal/protocol"
)

func main() {
	session := flag.String("session", "main", "session to join")
	name := flag.String("name", "guest", "display name")
	aiMode := flag.Bool("ai", false, "run as an AI participant")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	mgr := conn.NewManager(conn.Config{
		URL:            cfg.Client.ServerURL,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		MaxRetries:     cfg.Client.MaxRetries,
	}, &conn.WebsocketDialer{}, log.Logger)

	if *aiMode {
		runBridge(ctx, cfg, mgr, *session, *name)
		return
	}
	runHuman(ctx, cfg, mgr, *session, *name)
}

func runBridge(ctx context.Context, cfg *config.Config, mgr *conn.Manager, session, name string) {
	completer := ai.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout)
	p := bridge.New(bridge.Config{
		SessionID:    session,
		Name:         name,
		SystemPrompt: "You are a concise participant in a group chat.",
		Temperature:  cfg.AI.Temperature,
		MaxTokens:    cfg.AI.MaxTokens,
	}, mgr, completer, log.Logger)
	fmt.Printf("ai participant %q joining %q\n", name, session)
	p.Run(ctx)
}

func runHuman(ctx context.Context, cfg *config.Config, mgr *conn.Manager, session, name string) {
	// The read loop writes these, the stdin loop reads them.
	var mu sync.Mutex
	var negotiator *peer.Negotiator
	link := func() *peer.Negotiator {
		mu.Lock()
		defer mu.Unlock()
		return negotiator
	}

	mgr.OnStatus(func(s conn.Status) {
		fmt.Printf("* channel %s\n", s)
	})
	mgr.OnMessage(func(data []byte) {
		kind, err := protocol.PeekKind(data)
		if err != nil {
			return
		}
		switch kind {
		case protocol.KindConnected:
			var m protocol.Connected
			if json.Unmarshal(data, &m) == nil {
				n := peer.NewNegotiator(peer.Config{
					LocalID:   m.ClientID,
					LocalName: name,
					SessionID: session,
					Timeout:   cfg.Client.NegotiationTimeout,
				}, signalTo(mgr), nil, log.Logger)
				n.OnData(func(m peer.DataMessage) {
					fmt.Printf("[p2p] %s: %s\n", m.SenderName, m.Content)
				})
				n.OnStatus(func(s peer.Status) {
					fmt.Printf("* peer link %s\n", s)
				})
				mu.Lock()
				negotiator = n
				mu.Unlock()
				fmt.Printf("* connected as %s\n", m.ClientID)
			}
		case protocol.KindChat:
			var m protocol.ChatEvent
			if json.Unmarshal(data, &m) == nil {
				fmt.Printf("[%s] %s: %s\n", m.MessageType, m.DisplayName, m.Content)
			}
		case protocol.KindUserJoined:
			var m protocol.UserJoined
			if json.Unmarshal(data, &m) == nil {
				fmt.Printf("* %s joined (%s)\n", m.DisplayName, m.UserType)
			}
		case protocol.KindUserLeft:
			var m protocol.UserLeft
			if json.Unmarshal(data, &m) == nil {
				fmt.Printf("* %s left\n", m.DisplayName)
			}
		case protocol.KindSignaling:
			var m protocol.Signal
			if json.Unmarshal(data, &m) == nil {
				if n := link(); n != nil {
					n.HandleSignal(m)
				}
			}
		case protocol.KindError:
			var m protocol.Error
			if json.Unmarshal(data, &m) == nil {
				fmt.Printf("! %s\n", m.Message)
			}
		}
	})

	mgr.SetSessionTarget(protocol.Join{SessionID: session, DisplayName: name, UserType: "human"})
	mgr.Connect()
	defer mgr.Disconnect()

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case strings.HasPrefix(line, "/peer "):
				target := strings.TrimSpace(strings.TrimPrefix(line, "/peer "))
				n := link()
				if n == nil {
					fmt.Println("! not connected yet")
					continue
				}
				if err := n.CreateOffer(target, target); err != nil {
					fmt.Printf("! offer: %v\n", err)
				}
			case strings.HasPrefix(line, "/msg "):
				text := strings.TrimPrefix(line, "/msg ")
				payload, _ := json.Marshal(text)
				if n := link(); n == nil || !n.SendData(payload) {
					fmt.Println("! no open peer link")
				}
			case line == "/quit":
				return
			default:
				if !mgr.SendJSON(protocol.ChatSend{Type: protocol.KindChat, Content: line, MessageType: "human"}) {
					fmt.Println("! channel not connected")
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-quit:
	}
	if n := link(); n != nil {
		n.CloseConnection()
	}
}

// signalTo adapts the connection manager to the negotiator's signaler.
func signalTo(mgr *conn.Manager) peer.Signaler {
	return signalerFunc(func(sig protocol.Signal) bool {
		return mgr.SendJSON(sig)
	})
}

type signalerFunc func(protocol.Signal) bool

func (f signalerFunc) SendSignal(s protocol.Signal) bool { return f(s) }
