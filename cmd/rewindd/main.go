package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"rewind/internal/app"
	"rewind/internal/daemon"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	flagDataDir   string
	flagDevice    string
	flagDBBackend string
	flagDBPath    string
	flagPGHost    string
	flagPGPort    int
	flagPGName    string
	flagPGUser    string
	flagPGPass    string

	flagSocket string
	flagDate   string
	flagQuery  string
)

func main() {
	root := &cobra.Command{
		Use:     "rewindd",
		Short:   "Rewind - local screen activity daemon",
		Long:    "Rewind captures your screen into short video segments, analyzes them with an LLM, and keeps a searchable local timeline.\n\nRun 'rewindd serve' to start the daemon; every other subcommand talks to a running daemon over its unix socket.",
		Version: version,
	}
	root.PersistentFlags().StringVar(&flagSocket, "socket", "", "Daemon socket path (default: <data-dir>/rewindd.sock)")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory (default: platform config dir)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture/analysis daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCmd.Flags().StringVar(&flagDevice, "device", "", "Device name recorded on sessions (default: hostname)")
	serveCmd.Flags().StringVar(&flagDBBackend, "db-backend", "sqlite", "Database backend: sqlite|postgres")
	serveCmd.Flags().StringVar(&flagDBPath, "db-path", "", "SQLite database file (default: <data-dir>/rewind.db)")
	serveCmd.Flags().StringVar(&flagPGHost, "pg-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().IntVar(&flagPGPort, "pg-port", 5432, "PostgreSQL port")
	serveCmd.Flags().StringVar(&flagPGName, "pg-dbname", "rewind", "PostgreSQL database name")
	serveCmd.Flags().StringVar(&flagPGUser, "pg-user", "rewind", "PostgreSQL user")
	serveCmd.Flags().StringVar(&flagPGPass, "pg-password", "", "PostgreSQL password")
	root.AddCommand(serveCmd)

	root.AddCommand(simpleCmd("status", "Show daemon health and pipeline counters", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdStatus}
	}))
	root.AddCommand(simpleCmd("pause", "Pause screen capture", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdPause}
	}))
	root.AddCommand(simpleCmd("resume", "Resume screen capture", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdResume}
	}))

	sessionsCmd := simpleCmd("sessions", "List recent sessions", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdListSessions, Date: flagDate}
	})
	sessionsCmd.Flags().StringVar(&flagDate, "date", "", "Limit to a local day (YYYY-MM-DD)")
	root.AddCommand(sessionsCmd)

	dayCmd := simpleCmd("day", "Show the activity summary for a day", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdGetDayActivity, Date: flagDate}
	})
	dayCmd.Flags().StringVar(&flagDate, "date", "", "Local day (YYYY-MM-DD, default: today)")
	root.AddCommand(dayCmd)

	root.AddCommand(simpleCmd("cleanup", "Run a retention pass now", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdCleanup}
	}))

	root.AddCommand(sessionIDCmd("detail", "Show a session with its segments and cards", daemon.CmdGetSessionDetail))
	root.AddCommand(sessionIDCmd("reanalyze", "Queue a session for re-analysis", daemon.CmdReanalyzeSession))

	root.AddCommand(simpleCmd("llm-test", "Test the configured LLM provider", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdTestLLMConnection}
	}))
	root.AddCommand(configCmd("llm-config", "Update the LLM provider configuration", daemon.CmdUpdateLLMConfig))

	root.AddCommand(simpleCmd("kb-test", "Test the knowledge base connection", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdTestKBConnection}
	}))
	root.AddCommand(configCmd("kb-config", "Update the knowledge base configuration", daemon.CmdUpdateKBConfig))

	kbSearchCmd := simpleCmd("kb-search", "Search knowledge base containers", func() daemon.Request {
		return daemon.Request{Cmd: daemon.CmdSearchKBContainers, Query: flagQuery}
	})
	kbSearchCmd.Flags().StringVar(&flagQuery, "query", "", "Title filter")
	root.AddCommand(kbSearchCmd)

	kbCreateCmd := &cobra.Command{
		Use:   "kb-create <title>",
		Short: "Create a knowledge base container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(daemon.Request{Cmd: daemon.CmdCreateKBContainer, Title: args[0]})
		},
	}
	root.AddCommand(kbCreateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	opts := app.Options{
		DataDir: flagDataDir,
		Device:  flagDevice,
		Database: app.DatabaseConfig{
			Backend:  flagDBBackend,
			Path:     flagDBPath,
			Host:     flagPGHost,
			Port:     flagPGPort,
			Name:     flagPGName,
			User:     flagPGUser,
			Password: flagPGPass,
		},
	}
	application, err := app.NewApplication(ctx, opts)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	server := daemon.NewServer(application.SocketPath(), application.Dispatch)
	go func() {
		if err := server.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "rpc server:", err)
			cancel()
		}
	}()

	return application.Run(ctx)
}

func simpleCmd(use, short string, build func() daemon.Request) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(build())
		},
	}
}

func sessionIDCmd(use, short, rpc string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			return send(daemon.Request{Cmd: rpc, SessionID: id})
		},
	}
}

func configCmd(use, short, rpc string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <json>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return fmt.Errorf("argument is not valid JSON")
			}
			return send(daemon.Request{Cmd: rpc, Config: json.RawMessage(args[0])})
		},
	}
}

// send dials the daemon, performs one request, and prints the result.
func send(req daemon.Request) error {
	socket := flagSocket
	if socket == "" {
		dataDir := flagDataDir
		if dataDir == "" {
			dir, err := app.DataDir(app.AppName)
			if err != nil {
				return err
			}
			dataDir = dir
		}
		socket = filepath.Join(dataDir, "rewindd.sock")
	}

	client, err := daemon.Connect(socket)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer client.Close()

	resp, err := client.Send(req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if len(resp.Result) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty any
	if err := json.Unmarshal(resp.Result, &pretty); err != nil {
		fmt.Println(string(resp.Result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
