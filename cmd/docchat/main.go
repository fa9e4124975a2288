// docchat - terminal client for the document-grounded chat backend
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"docchat/internal/api"
	"docchat/internal/bus"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/conversations"
	"docchat/internal/domain"
	"docchat/internal/identity"
	"docchat/internal/session"
	"docchat/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	// Logs go to stderr so the chat transcript on stdout stays readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Wire the client stack.
	eventBus := bus.New()
	client := api.NewClient(cfg.APIBaseURL)
	fingerprints := identity.NewProvider(repo)
	fingerprint := fingerprints.Fingerprint(ctx)

	sessions := session.NewManager(repo, eventBus)
	sessions.SetRegistrar(client, fingerprints.Fingerprint)

	controller := chat.NewController(repo, client, eventBus)
	controller.SetHistoryTimeout(cfg.HistoryTimeout)
	defer controller.Close()

	if modelID, err := repo.GetSetting(ctx, store.SettingSelectedModel); err == nil && modelID != "" {
		controller.SetModelID(ctx, modelID)
	} else if cfg.DefaultModelID != "" {
		controller.SetModelID(ctx, cfg.DefaultModelID)
	}

	list := conversations.NewSynchronizer(client, eventBus, fingerprint)
	defer list.Close()

	// Every session change rebinds the controller, including the first.
	sessionSub := eventBus.Subscribe(bus.TopicSessionChanged, func(payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		controller.Activate(ctx, id, fingerprint)
	})
	defer sessionSub.Cancel()

	tokenSub := eventBus.Subscribe(bus.TopicStreamToken, func(payload any) {
		if ev, ok := payload.(chat.TokenEvent); ok {
			fmt.Print(ev.Content)
		}
	})
	defer tokenSub.Cancel()

	completeSub := eventBus.Subscribe(bus.TopicStreamComplete, func(payload any) {
		ev, ok := payload.(chat.CompleteEvent)
		if !ok {
			return
		}
		fmt.Println()
		if src := ev.Message.SourceInfo; src != nil && len(src.Sources) > 0 {
			fmt.Printf("  [%s: %s]\n", src.SourceType, strings.Join(src.Sources, ", "))
		}
	})
	defer completeSub.Cancel()

	errorSub := eventBus.Subscribe(bus.TopicStreamError, func(payload any) {
		if ev, ok := payload.(chat.ErrorEvent); ok && ev.Err != nil {
			fmt.Printf("\n! %s\n", ev.Err.Message)
		}
	})
	defer errorSub.Cancel()

	controller.Activate(ctx, sessions.Current(ctx), fingerprint)

	fmt.Printf("docchat session %s\n", controller.SessionID())
	fmt.Println("Commands: /new /switch <id> /list /model <id> /quit")

	go repl(ctx, stop, sessions, controller, list)

	<-ctx.Done()
	fmt.Println()
}

func repl(ctx context.Context, stop context.CancelFunc, sessions *session.Manager, controller *chat.Controller, list *conversations.Synchronizer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, line, sessions, controller, list); quit {
				stop()
				return
			}
			continue
		}

		if err := controller.Send(line); err != nil {
			if errors.Is(err, domain.ErrNotConnected) {
				fmt.Println("! Not connected yet, try again in a moment")
			} else {
				fmt.Printf("! Send failed: %v\n", err)
			}
		}
	}
	stop()
}

// runCommand executes a slash command and reports whether to quit.
func runCommand(ctx context.Context, line string, sessions *session.Manager, controller *chat.Controller, list *conversations.Synchronizer) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/new":
		id := sessions.NewSession(ctx)
		fmt.Printf("Started new session %s\n", id)

	case "/switch":
		if arg == "" {
			fmt.Println("Usage: /switch <session-id>")
			return false
		}
		sessions.SwitchTo(ctx, arg)
		fmt.Printf("Switched to session %s\n", arg)

	case "/list":
		if err := list.Refresh(ctx, true); err != nil {
			fmt.Printf("! List refresh failed: %v\n", err)
			return false
		}
		items := list.Conversations()
		if len(items) == 0 {
			fmt.Println("No conversations yet")
			return false
		}
		for _, item := range items {
			fmt.Printf("  %s  (%d messages)  %s\n", item.SessionID, item.MessageCount, item.Preview)
		}

	case "/model":
		controller.SetModelID(ctx, arg)
		if arg == "" {
			fmt.Println("Using backend default model")
		} else {
			fmt.Printf("Using model %s\n", arg)
		}

	default:
		fmt.Printf("Unknown command %s\n", cmd)
	}
	return false
}
