package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/roomchat/internal/client"
	"github.com/zhouzirui/roomchat/internal/config"
	"github.com/zhouzirui/roomchat/internal/model/session"
)

var (
	apiURL   string
	wsURL    string
	stateDir string
	logLevel string
)

var errNotLoggedIn = errors.New("not logged in; run `chatline login` first")

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatline",
		Short: "Terminal client for room chat",
		Long: `chatline talks to a room chat backend over REST and WebSocket.

Settings come from CHAT_* environment variables (or a .env file);
the flags below override them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "REST base URL (overrides CHAT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws-url", "", "WebSocket base URL (overrides CHAT_WS_URL)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Token store directory (overrides CHAT_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL, default warn)")

	rootCmd.AddCommand(
		buildLoginCmd(),
		buildLogoutCmd(),
		buildRegisterCmd(),
		buildWhoamiCmd(),
		buildRoomsCmd(),
		buildCreateRoomCmd(),
		buildJoinCmd(),
		buildLeaveCmd(),
		buildHistoryCmd(),
		buildChatCmd(),
	)
	return rootCmd
}

// loadConfig applies .env, the environment and persistent flag overrides.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("[chatline] no .env file")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if apiURL != "" {
		cfg.Client.APIURL = strings.TrimRight(apiURL, "/")
	}
	if wsURL != "" {
		cfg.Client.WSURL = strings.TrimRight(wsURL, "/")
	}
	if stateDir != "" {
		cfg.Client.StateDir = stateDir
	}
	if err := config.SetupLogging(cfg.Log, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openClient builds the client and restores any persisted session. The
// caller must Close it.
func openClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg.Client, client.Options{})
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// openAuthenticated is openClient for commands that need a session.
func openAuthenticated() (*client.Client, error) {
	c, err := openClient()
	if err != nil {
		return nil, err
	}
	if c.Session.Session().Status != session.StatusAuthenticated {
		c.Close()
		return nil, errNotLoggedIn
	}
	return c, nil
}
