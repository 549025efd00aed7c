package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devcollab/devcollab/internal/chat"
	"github.com/devcollab/devcollab/internal/config"
	"github.com/devcollab/devcollab/internal/editor"
	"github.com/devcollab/devcollab/internal/logger"
	"github.com/devcollab/devcollab/internal/relay"
	"github.com/devcollab/devcollab/internal/session"
	"github.com/devcollab/devcollab/internal/store"
	"github.com/devcollab/devcollab/internal/telemetry"
	"github.com/devcollab/devcollab/internal/tunnel"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "devcollab",
		Short: "devcollab hosts and joins real-time collaborative editing sessions",
		Long:  "Host or join collaborative editing sessions: shared files, terminals, servers, and chat over a room relay.",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		hostCmd(&cfgPath),
		joinCmd(&cfgPath),
		rejoinCmd(&cfgPath),
		relayCmd(&cfgPath),
		terminalCmd(&cfgPath),
		serverCmd(&cfgPath),
		chatCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "devcollab.yaml"
	}
	return filepath.Join(home, ".devcollab", "config.yaml")
}

// setup loads config, initializes logging, and opens the local store.
func setup(cfgPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.File)
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Data.Dir, "devcollab.db"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// resolveUsername prefers the flag, then the env/config, then the name
// saved from a previous run.
func resolveUsername(flag string, cfg *config.Config, st *store.Store) (string, error) {
	name := flag
	if name == "" {
		name = cfg.User.Name
	}
	if name == "" {
		saved, err := st.SavedUsername()
		if err != nil {
			return "", err
		}
		name = saved
	}
	if name == "" {
		return "", fmt.Errorf("no username; pass --username or set user.name in config")
	}
	if err := st.SaveUsername(name); err != nil {
		logger.Warn("saving username failed", "error", err)
	}
	return name, nil
}

func newTelemetry(cfg *config.Config) *telemetry.Sink {
	if cfg.Telemetry.File == "" {
		return telemetry.Nop()
	}
	sink, err := telemetry.NewFile(cfg.Telemetry.File)
	if err != nil {
		logger.Warn("opening telemetry sink failed", "error", err)
		return telemetry.Nop()
	}
	return sink
}

func sessionOptions(cfg *config.Config, username, dir string, sink *telemetry.Sink) (session.Options, error) {
	ws, err := editor.NewFSWorkspace(dir)
	if err != nil {
		return session.Options{}, fmt.Errorf("open workspace: %w", err)
	}
	return session.Options{
		RelayURL:  cfg.Relay.URL,
		Username:  username,
		Workspace: ws,
		Telemetry: sink,
	}, nil
}

// waitForShutdown blocks until the session closes or the user interrupts.
func waitForShutdown(s *session.Session) {
	done := make(chan struct{})
	s.OnClosed(func() { close(done) })
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-done:
	case <-sig:
		s.Close()
	}
}

func hostCmd(cfgPath *string) *cobra.Command {
	var username, file string
	cmd := &cobra.Command{
		Use:   "host [dir]",
		Short: "Host a session sharing a directory (or a single file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			name, err := resolveUsername(username, cfg, st)
			if err != nil {
				return err
			}
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			sink := newTelemetry(cfg)
			defer sink.Close()

			opts, err := sessionOptions(cfg, name, dir, sink)
			if err != nil {
				return err
			}
			opts.SingleFile = file
			s, err := session.Host(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := st.SetPendingSession(store.PendingSession{RoomCode: s.Room, Username: name}); err != nil {
				logger.Warn("recording pending session failed", "error", err)
			}
			defer st.ClearPendingSession()

			fmt.Printf("Hosting session. Room code: %s\n", s.Room)
			fmt.Println("Share this code with collaborators. Ctrl-C to end the session.")
			waitForShutdown(s)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&file, "file", "", "share only this file (workspace-relative)")
	return cmd
}

func joinCmd(cfgPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "join <room> [dir]",
		Short: "Join a session into a local directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			name, err := resolveUsername(username, cfg, st)
			if err != nil {
				return err
			}

			dir := ""
			if len(args) > 1 {
				dir = args[1]
			} else {
				dir, err = os.MkdirTemp("", "devcollab-"+args[0]+"-")
				if err != nil {
					return err
				}
				fmt.Printf("Mirroring workspace into %s\n", dir)
			}
			sink := newTelemetry(cfg)
			defer sink.Close()

			opts, err := sessionOptions(cfg, name, dir, sink)
			if err != nil {
				return err
			}
			s, err := session.Join(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := st.SetPendingSession(store.PendingSession{
				RoomCode: s.Room, Username: name, TempDir: dir, FromJoin: true,
			}); err != nil {
				logger.Warn("recording pending session failed", "error", err)
			}
			defer st.ClearPendingSession()

			fmt.Printf("Joined room %s as %s. Ctrl-C to leave.\n", s.Room, name)
			waitForShutdown(s)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	return cmd
}

func rejoinCmd(cfgPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "rejoin",
		Short: "Resume the session recorded before the last shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			sink := newTelemetry(cfg)
			defer sink.Close()

			// The stored temp directory wins when the pending session was a
			// join; a pending host session re-shares the current directory.
			ws, err := editor.NewFSWorkspace(".")
			if err != nil {
				return err
			}
			s, err := session.RestorePending(cmd.Context(), st, session.Options{
				RelayURL:  cfg.Relay.URL,
				Username:  username,
				Workspace: ws,
				Telemetry: sink,
			})
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Println("No pending session to rejoin.")
				return nil
			}
			defer s.Close()
			defer st.ClearPendingSession()

			fmt.Printf("Rejoined room %s as %s. Ctrl-C to leave.\n", s.Room, s.Role)
			waitForShutdown(s)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name (default: the stored one)")
	return cmd
}

func relayCmd(cfgPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the room relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Logging.Level, cfg.Logging.File)
			addr := listen
			if addr == "" {
				addr = cfg.Relay.Listen
			}
			logger.Info("relay listening", "addr", addr)
			return http.ListenAndServe(addr, relay.NewServer())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

// joinAsGuest joins a room with a throwaway workspace, for the channel
// subcommands that only need the replicated document.
func joinAsGuest(ctx context.Context, cfgPath, usernameFlag, room string) (*session.Session, *telemetry.Sink, func(), error) {
	cfg, st, err := setup(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	name, err := resolveUsername(usernameFlag, cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	dir, err := os.MkdirTemp("", "devcollab-"+room+"-")
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	sink := newTelemetry(cfg)
	opts, err := sessionOptions(cfg, name, dir, sink)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	s, err := session.Join(ctx, room, opts)
	if err != nil {
		sink.Close()
		st.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		s.Close()
		sink.Close()
		st.Close()
		os.RemoveAll(dir)
	}
	return s, sink, cleanup, nil
}

func terminalCmd(cfgPath *string) *cobra.Command {
	var username string
	terminal := &cobra.Command{
		Use:   "terminal",
		Short: "Share or join a terminal in a session",
	}
	terminal.PersistentFlags().StringVar(&username, "username", "", "display name")

	var shell string
	share := &cobra.Command{
		Use:   "share <room>",
		Short: "Share a local shell with the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sink, cleanup, err := joinAsGuest(cmd.Context(), *cfgPath, username, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			reg := s.Terminals()
			cols, rows := termSize()
			t, err := tunnel.ShareTerminal(s.Doc(), reg, s.Presence().Self().ClientID, shell, "shared terminal", cols, rows)
			if err != nil {
				return err
			}
			defer t.Stop()
			sink.Record(telemetry.EventShareTerminal, map[string]any{"id": t.ID})
			defer sink.Record(telemetry.EventCloseTerminal, map[string]any{"id": t.ID})

			fmt.Printf("Sharing terminal %s. Ctrl-C to stop.\n", t.ID)
			t.OnData = func(chunk string) { os.Stdout.WriteString(chunk) }

			exited := make(chan struct{})
			t.OnExit = func() { close(exited) }

			// Owner keystrokes go straight to the pty through raw stdin.
			restore, err := rawStdin()
			if err == nil {
				defer restore()
				go func() {
					buf := make([]byte, 1024)
					for {
						n, err := os.Stdin.Read(buf)
						if n > 0 {
							t.Write(string(buf[:n]))
						}
						if err != nil {
							return
						}
					}
				}()
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-exited:
			case <-sig:
			}
			return nil
		},
	}
	share.Flags().StringVar(&shell, "shell", "", "shell to run (default $SHELL)")

	var id string
	join := &cobra.Command{
		Use:   "join <room>",
		Short: "Attach to a shared terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sink, cleanup, err := joinAsGuest(cmd.Context(), *cfgPath, username, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			reg := s.Terminals()
			target := id
			if target == "" {
				target = firstActive(reg)
				if target == "" {
					return fmt.Errorf("no active terminal in room %s", args[0])
				}
			}

			view, err := tunnel.AttachTerminal(s.Doc(), reg, target, func(chunk string) {
				os.Stdout.WriteString(chunk)
			})
			if err != nil {
				return err
			}
			defer view.Detach()
			sink.Record(telemetry.EventJoinTerminal, map[string]any{"id": target})

			closed := make(chan struct{})
			view.OnClosed = func() { close(closed) }

			restore, err := rawStdin()
			if err == nil {
				defer restore()
			}
			go func() {
				buf := make([]byte, 1024)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						view.SendInput(string(buf[:n]))
					}
					if err != nil {
						return
					}
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-closed:
				fmt.Println("\nTerminal closed by owner.")
			case <-sig:
			}
			return nil
		},
	}
	join.Flags().StringVar(&id, "id", "", "terminal id (default: first active)")

	terminal.AddCommand(share, join)
	return terminal
}

func serverCmd(cfgPath *string) *cobra.Command {
	var username string
	server := &cobra.Command{
		Use:   "server",
		Short: "Share or join an HTTP server in a session",
	}
	server.PersistentFlags().StringVar(&username, "username", "", "display name")

	var port int
	var label string
	share := &cobra.Command{
		Use:   "share <room>",
		Short: "Share a server on localhost with the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sink, cleanup, err := joinAsGuest(cmd.Context(), *cfgPath, username, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			reg := s.Servers()
			sh, err := tunnel.ShareServer(s.Doc(), reg, s.Presence().Self().ClientID, port, label)
			if err != nil {
				return err
			}
			defer sh.Stop()
			sink.Record(telemetry.EventShareServer, map[string]any{"id": sh.ID, "port": port})
			defer sink.Record(telemetry.EventCloseServer, map[string]any{"id": sh.ID})

			fmt.Printf("Sharing localhost:%d as %s. Ctrl-C to stop.\n", port, sh.ID)
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	share.Flags().IntVar(&port, "port", 0, "local port to share (required)")
	share.Flags().StringVar(&label, "label", "", "display label")
	share.MarkFlagRequired("port")

	var id string
	join := &cobra.Command{
		Use:   "join <room>",
		Short: "Proxy a shared server to a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sink, cleanup, err := joinAsGuest(cmd.Context(), *cfgPath, username, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			reg := s.Servers()
			target := id
			if target == "" {
				target = firstActive(reg)
				if target == "" {
					return fmt.Errorf("no active shared server in room %s", args[0])
				}
			}
			proxy, err := tunnel.AttachServer(s.Doc(), reg, target)
			if err != nil {
				return err
			}
			defer proxy.Close()
			sink.Record(telemetry.EventJoinServer, map[string]any{"id": target})

			fmt.Printf("Shared server available at http://%s. Ctrl-C to stop.\n", proxy.Addr())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	join.Flags().StringVar(&id, "id", "", "server id (default: first active)")

	server.AddCommand(share, join)
	return server
}

func chatCmd(cfgPath *string) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "chat <room>",
		Short: "Join the session chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, sink, cleanup, err := joinAsGuest(cmd.Context(), *cfgPath, username, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			c := chat.New(s.Doc(), s.Presence().Self().ClientID, s.Presence().Self().DisplayName)
			for _, m := range c.History() {
				fmt.Printf("[%s] %s\n", m.DisplayName, m.Content)
			}
			sub := c.OnMessage(func(m chat.Message) {
				fmt.Printf("[%s] %s\n", m.DisplayName, m.Content)
			})
			defer sub.Cancel()

			fmt.Println("Type messages; Ctrl-D to leave.")
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				c.Send(line)
				sink.Record(telemetry.EventChatSent, map[string]any{"length": len(line)})
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	return cmd
}

// firstActive returns the id of the first active channel in the registry.
func firstActive(reg *tunnel.Registry) string {
	for _, e := range reg.List() {
		if e.Active {
			return e.ID
		}
	}
	return ""
}

// rawStdin puts stdin into raw mode and returns the restore function.
func rawStdin() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(fd, state) }, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if c, r, err := term.GetSize(fd); err == nil {
			return c, r
		}
	}
	return 80, 24
}
