package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jmawson/candidate-chat/internal/api"
	"github.com/jmawson/candidate-chat/internal/app"
	"github.com/jmawson/candidate-chat/internal/config"
	"github.com/jmawson/candidate-chat/internal/stub"
	"github.com/jmawson/candidate-chat/internal/ui"
)

var (
	flagServerURL string
	flagToken     string
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "candidate-chat [token]",
		Short: "Terminal chat with the recruiting assistant",
		Long: "candidate-chat redeems an access token for a chat session and opens\n" +
			"the conversation in the terminal: history, live messages, map and\n" +
			"media attachments, and voice messages.",
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	root.Flags().StringVar(&flagServerURL, "server", "", "backend base URL (default $CHAT_SERVER_URL)")
	root.Flags().StringVar(&flagToken, "token", "", "access token (default $CHAT_TOKEN)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging to stderr")

	stubCmd := &cobra.Command{
		Use:   "stub",
		Short: "Run the development stub backend",
		Long: "stub serves the backend wire protocol with scripted replies so the\n" +
			"client can be exercised without the remote service. The token \"demo\"\n" +
			"is always granted.",
		RunE: runStub,
	}
	root.AddCommand(stubCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, zerolog.Logger, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	return cfg, logger, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if flagServerURL != "" {
		cfg.Server.BaseURL = flagServerURL
	}

	token := cfg.Server.Token
	if flagToken != "" {
		token = flagToken
	}
	if len(args) == 1 {
		token = args[0]
	}
	if token == "" {
		return errors.New("an access token is required: pass it as an argument, --token, or CHAT_TOKEN")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	if err := a.Start(ctx, token); err != nil {
		if errors.Is(err, api.ErrSessionInvalid) {
			return fmt.Errorf("this chat link is no longer valid, please request a new one (%v)", err)
		}
		return err
	}
	defer a.Close()

	program := tea.NewProgram(ui.New(a), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("ui error: %w", err)
	}
	return nil
}

func runStub(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := stub.NewService(nil)
	srv := &http.Server{
		Addr:              cfg.Stub.Addr,
		Handler:           stub.NewServer(svc, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", cfg.Stub.Addr).Msg("stub backend listening")
	fmt.Printf("stub backend listening on %s (token: demo)\n", cfg.Stub.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
