// Command cli is a terminal chat client for the backend.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/threadline/threadline/internal/authclient"
	"github.com/threadline/threadline/internal/chatapi"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/gqlclient"
	"github.com/threadline/threadline/internal/logging"
	"github.com/threadline/threadline/internal/reconciler"
	"github.com/threadline/threadline/internal/sidebar"
)

func main() {
	email := flag.String("email", os.Getenv("THREADLINE_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("THREADLINE_PASSWORD"), "account password")
	signUp := flag.Bool("signup", false, "create the account before signing in")
	flag.Parse()

	cfg := config.LoadClient()
	logger := logging.NewWithWriter(os.Stderr, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auth := authclient.New(cfg.APIURL, cfg.RequestTimeout, logger)
	if err := authenticate(ctx, auth, *email, *password, *signUp); err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		os.Exit(1)
	}
	if !auth.IsAuthenticated() {
		fmt.Println("Check your inbox to verify your email, then sign in again.")
		return
	}
	fmt.Printf("Signed in as %s\n", auth.User().Email)

	gql := gqlclient.New(cfg.APIURL, cfg.GraphQLWSURL, cfg.RequestTimeout, auth, logger)
	api := chatapi.New(gql, logger)

	sb := sidebar.New(api, logger)
	go func() {
		if err := sb.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("chat list stopped")
		}
	}()

	rec := reconciler.New(api, logger)
	go rec.Run(ctx)

	ui := &terminal{ctx: ctx, api: api, sidebar: sb, reconciler: rec}
	go ui.render(rec.Updates())

	fmt.Println("\nCommands: /chats, /new <title>, /open <id|#>, /title <title>, /quit")
	fmt.Println("Anything else is sent to the open chat.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !ui.handle(strings.TrimSpace(line)) {
				fmt.Println("Bye!")
				return
			}
		}
	}
}

func authenticate(ctx context.Context, auth *authclient.Client, email, password string, signUp bool) error {
	if email == "" || password == "" {
		return fmt.Errorf("-email and -password are required")
	}
	if signUp {
		needsVerification, err := auth.SignUp(ctx, email, password)
		if err != nil || needsVerification {
			return err
		}
		return nil
	}
	return auth.SignIn(ctx, email, password)
}

type terminal struct {
	ctx        context.Context
	api        *chatapi.Client
	sidebar    *sidebar.Sidebar
	reconciler *reconciler.Reconciler
}

// handle runs one input line. It returns false on /quit.
func (t *terminal) handle(input string) bool {
	if input == "" {
		return true
	}
	if !strings.HasPrefix(input, "/") {
		if err := t.reconciler.SendMessage(t.ctx, input); err != nil {
			fmt.Printf("Send error: %v\n", err)
		}
		return true
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false

	case "/chats":
		chats := t.sidebar.State().Chats
		if len(chats) == 0 {
			fmt.Println("No chats yet. Start one with /new <title>.")
		}
		active := t.sidebar.State().ActiveChatID
		for i, c := range chats {
			marker := " "
			if c.ID == active {
				marker = "*"
			}
			fmt.Printf("%s %2d. %s  (%s)\n", marker, i+1, c.DisplayTitle(), c.ID)
		}

	case "/new":
		chat, err := t.sidebar.CreateChat(t.ctx, arg)
		if err != nil {
			fmt.Printf("Create error: %v\n", err)
			return true
		}
		t.open(chat.ID)

	case "/open":
		chatID := arg
		if n, err := strconv.Atoi(arg); err == nil {
			chats := t.sidebar.State().Chats
			if n < 1 || n > len(chats) {
				fmt.Println("No such chat.")
				return true
			}
			chatID = chats[n-1].ID
		}
		if chatID == "" {
			fmt.Println("Usage: /open <id|#>")
			return true
		}
		t.open(chatID)

	case "/title":
		chatID := t.sidebar.State().ActiveChatID
		if chatID == "" {
			fmt.Println("Open a chat first.")
			return true
		}
		chat, err := t.api.UpdateChatTitle(t.ctx, chatID, arg)
		if err != nil {
			fmt.Printf("Rename error: %v\n", err)
			return true
		}
		fmt.Printf("Renamed to %q\n", chat.DisplayTitle())

	default:
		fmt.Printf("Unknown command %s\n", cmd)
	}
	return true
}

func (t *terminal) open(chatID string) {
	chat, err := t.api.FetchChat(t.ctx, chatID)
	if err != nil {
		fmt.Printf("Open error: %v\n", err)
		return
	}
	if chat == nil {
		fmt.Println("No such chat.")
		return
	}
	t.sidebar.Select(chat.ID)
	fmt.Printf("\n== %s ==\n", chat.DisplayTitle())
	if err := t.reconciler.Activate(chat.ID); err != nil {
		fmt.Printf("Open error: %v\n", err)
	}
}

// render prints committed messages as they appear and reports errors.
func (t *terminal) render(updates <-chan reconciler.ChatSession) {
	var chatID string
	printed := map[string]bool{}
	var lastErr error
	wasStreaming := false

	for view := range updates {
		if view.ChatID != chatID {
			chatID = view.ChatID
			printed = map[string]bool{}
			lastErr = nil
		}
		for _, m := range view.Messages {
			if m.IsProvisional() || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			if m.Role == domain.RoleAssistant {
				fmt.Printf("\nassistant: %s\n", m.Content)
			} else {
				fmt.Printf("\nyou: %s\n", m.Content)
			}
		}
		if view.Streaming && !wasStreaming {
			fmt.Println("...")
		}
		wasStreaming = view.Streaming
		if view.Err != nil && view.Err != lastErr {
			fmt.Printf("\n! %v\n", view.Err)
			if view.Draft != "" {
				fmt.Printf("  (unsent: %s)\n", view.Draft)
			}
		}
		lastErr = view.Err
	}
}
