// Command aero-mesh-peer is a headless mesh participant. It joins rooms on an
// aero-mesh-signal server with placeholder media, chats from the terminal and
// manages accounts and meeting history.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/peerclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ui"
)

const (
	envServer   = "AERO_MESH_SERVER"
	envToken    = "AERO_MESH_TOKEN"
	envLogLevel = "LOG_LEVEL"

	defaultServer = "http://127.0.0.1:8080"
)

type globalFlags struct {
	server   string
	token    string
	logLevel string
}

func (g *globalFlags) api() (*peerclient.API, error) {
	return peerclient.NewAPI(g.server, nil)
}

// logger follows the usual CLI convention: text for a terminal, JSON when
// stderr is redirected.
func (g *globalFlags) logger(w io.Writer, tty bool) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(g.logLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "aero-mesh-peer",
		Short: "Headless participant for aero mesh rooms",
		Long: `aero-mesh-peer joins a room on an aero-mesh-signal server, negotiates a
WebRTC connection with every other member and sends placeholder media.

On a terminal "join" opens an interactive chat view; otherwise chat lines are
read from stdin and room events are logged.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", envOr(envServer, defaultServer), "signaling server base URL (env "+envServer+")")
	pf.StringVar(&g.token, "token", os.Getenv(envToken), "session token from login (env "+envToken+")")
	pf.StringVar(&g.logLevel, "log-level", envOr(envLogLevel, "info"), "debug, info, warn or error (env "+envLogLevel+")")

	root.AddCommand(
		newJoinCmd(g),
		newRegisterCmd(g),
		newLoginCmd(g),
		newHistoryCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		ui.PrintError(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}
