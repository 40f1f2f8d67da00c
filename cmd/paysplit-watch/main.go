package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paysplit/paysplit/internal/client"
	"github.com/paysplit/paysplit/internal/dashboard"
	"github.com/paysplit/paysplit/internal/logging"
)

var (
	serverURL string
	username  string
	password  string
	register  bool
	logLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paysplit-watch",
		Short: "Terminal dashboard for pending bill splits",
		Long: "Logs into a paysplit server, keeps the bill list in sync over the " +
			"push channel, and prompts for each undecided split. Commands: " +
			"accept, reject, skip, bills, refresh, quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}

	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the paysplit server")
	rootCmd.Flags().StringVar(&username, "username", "", "Account username")
	rootCmd.Flags().StringVar(&password, "password", "", "Account password")
	rootCmd.Flags().BoolVar(&register, "register", false, "Register a new account instead of logging in")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWatch(ctx context.Context) error {
	if username == "" || password == "" {
		return errors.New("--username and --password are required")
	}

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rest, err := client.NewREST(client.RESTConfig{BaseURL: serverURL, Logger: logger})
	if err != nil {
		return err
	}

	var token string
	if register {
		token, err = rest.Register(signalCtx, username, password)
	} else {
		token, err = rest.Login(signalCtx, username, password)
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	session, err := dashboard.NewSession(dashboard.SessionConfig{
		Username: strings.ToLower(strings.TrimSpace(username)),
		Fetcher:  rest,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	skipped, err := session.Refresh(signalCtx)
	if err != nil {
		return fmt.Errorf("initial snapshot failed: %w", err)
	}
	if skipped > 0 {
		fmt.Printf("warning: %d malformed bills skipped\n", skipped)
	}

	push, err := client.DialPush(signalCtx, client.PushConfig{
		URL:    serverURL + "/ws/bills",
		Token:  token,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("push channel failed: %w", err)
	}
	defer push.Close() //nolint:errcheck

	go func() {
		if err := push.Listen(signalCtx, session.Deliver); err != nil {
			logger.Warn("push channel dropped", zap.Error(err))
		}
	}()

	printView(session)
	return commandLoop(signalCtx, session, rest)
}

func commandLoop(ctx context.Context, session *dashboard.Session, rest *client.REST) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		printPrompt(session)

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "accept":
				submitResponse(ctx, session, rest, true)
			case "reject":
				submitResponse(ctx, session, rest, false)
			case "skip":
				if _, ok := session.ResolvePrompt(); !ok {
					fmt.Println("nothing to skip")
				}
			case "bills":
				printView(session)
			case "refresh":
				if _, err := session.Refresh(ctx); err != nil {
					fmt.Printf("refresh failed: %v\n", err)
				} else {
					printView(session)
				}
			case "quit", "exit":
				return nil
			case "":
			default:
				fmt.Println("commands: accept, reject, skip, bills, refresh, quit")
			}
		}
	}
}

func submitResponse(ctx context.Context, session *dashboard.Session, rest *client.REST, accept bool) {
	action, ok := session.NextPrompt()
	if !ok {
		fmt.Println("no pending split")
		return
	}

	var err error
	if accept {
		err = rest.Accept(ctx, action.BillID, action.Amount)
	} else {
		err = rest.Reject(ctx, action.BillID)
	}
	if err != nil {
		// The prompt stays queued so the user can retry.
		fmt.Printf("submission failed: %v\n", err)
		return
	}
	session.ResolvePrompt()
	fmt.Printf("%s recorded for %q\n", map[bool]string{true: "acceptance", false: "rejection"}[accept], action.BillName)
}

func printPrompt(session *dashboard.Session) {
	if action, ok := session.NextPrompt(); ok {
		fmt.Printf("\nsplit pending: %q — your share is %s [accept/reject/skip]\n> ", action.BillName, action.Amount)
		return
	}
	fmt.Print("> ")
}

func printView(session *dashboard.Session) {
	view := session.View()
	fmt.Printf("\n%d bills, %d pending prompts\n", len(view.Bills), view.Pending)
	for _, bill := range view.Bills {
		fmt.Printf("  #%d %-24q %8s  %s\n", bill.ID, bill.Name, bill.TotalAmount, bill.Status)
	}
}
