package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/peerclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ui"
)

// eventBuffer absorbs bursts such as history replay on join. The engine
// emits events synchronously, so a full buffer drops rather than blocks.
const eventBuffer = 512

type joinOptions struct {
	name    string
	noTUI   bool
	logFile string
	network config.WebRTCNetworkOptions
	ice     config.ICEServerURLs
}

func newJoinCmd(g *globalFlags) *cobra.Command {
	opts := joinOptions{}
	cmd := &cobra.Command{
		Use:   "join ROOM",
		Short: "Join a room and stay until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), g, opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "display name shown to other participants")
	f.BoolVar(&opts.noTUI, "no-tui", false, "log room events instead of opening the chat view")
	f.StringVar(&opts.logFile, "log-file", "", "write logs here while the chat view is open")
	addNetworkFlags(f, &opts.network)
	addICEFlags(f, &opts.ice)
	return cmd
}

// addICEFlags lets a participant bring its own STUN/TURN servers instead of
// the signaling server's list.
func addICEFlags(f *pflag.FlagSet, o *config.ICEServerURLs) {
	f.StringSliceVar(&o.STUN, "stun", nil, "STUN server URL, repeatable (replaces the server's ICE list)")
	f.StringSliceVar(&o.TURN, "turn", nil, "TURN server URL, repeatable (replaces the server's ICE list)")
	f.StringVar(&o.TURNUsername, "turn-user", "", "TURN username")
	f.StringVar(&o.TURNCredential, "turn-pass", "", "TURN credential")
}

func addNetworkFlags(f *pflag.FlagSet, o *config.WebRTCNetworkOptions) {
	f.UintVar(&o.UDPPortMin, "udp-port-min", 0, "lowest local UDP port for ICE (0 = any)")
	f.UintVar(&o.UDPPortMax, "udp-port-max", 0, "highest local UDP port for ICE (0 = any)")
	f.StringVar(&o.UDPListenIP, "udp-listen-ip", "", "bind ICE sockets to this IP")
	f.StringVar(&o.NAT1To1IPs, "nat-1to1-ips", "", "comma-separated public IPs to advertise")
	f.StringVar(&o.NAT1To1CandidateType, "nat-1to1-candidate-type", "", "host or srflx")
	f.SortFlags = false
}

func runJoin(ctx context.Context, g *globalFlags, opts joinOptions, room string, stdin io.Reader, stdout io.Writer) error {
	api, err := g.api()
	if err != nil {
		return err
	}
	network, err := config.ParseWebRTCNetwork(opts.network)
	if err != nil {
		return err
	}
	var iceServers []webrtc.ICEServer
	if !opts.ice.Empty() {
		if iceServers, err = opts.ice.Build(false); err != nil {
			return err
		}
	}

	interactive := !opts.noTUI && isTerminal(os.Stdin) && isTerminal(os.Stdout)
	var logOut io.Writer = os.Stderr
	tty := isTerminal(os.Stderr)
	if interactive {
		// The chat view owns the screen.
		logOut, tty = io.Discard, false
		if opts.logFile != "" {
			f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			logOut = f
		}
	}
	log, err := g.logger(logOut, tty)
	if err != nil {
		return err
	}
	log = log.With("room", room)

	events := make(chan mesh.Event, eventBuffer)
	sess, err := peerclient.Join(ctx, peerclient.SessionConfig{
		API:         api,
		Room:        room,
		DisplayName: opts.name,
		Token:       g.token,
		ICEServers:  iceServers,
		Network:     network,
		Logger:      log,
		OnEvent: func(ev mesh.Event) {
			select {
			case events <- ev:
			default:
				log.Warn("dropping room event", "type", ev.Type)
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Leave(); err != nil {
			log.Debug("leave", "err", err)
		}
	}()

	if interactive {
		err = ui.RunRoom(ctx, ui.RoomConfig{
			Room:     room,
			Events:   events,
			Done:     sess.Done(),
			SendChat: sess.SendChat,
			Toggle:   toggler(sess),
		})
	} else {
		err = runPlain(ctx, sess, events, stdin, stdout, log)
	}
	if err != nil {
		return err
	}
	return sessionErr(sess)
}

func toggler(sess *peerclient.Session) func(media.Kind) (bool, error) {
	return func(kind media.Kind) (bool, error) {
		src := sess.Engine().Source(kind)
		next := src == nil || !src.Enabled()
		return next, sess.SetEnabled(kind, next)
	}
}

// sessionErr reports a connection that ended for a reason other than our
// own leave.
func sessionErr(sess *peerclient.Session) error {
	select {
	case <-sess.Done():
	default:
		return nil
	}
	err := sess.Err()
	if err == nil || errors.Is(err, peerclient.ErrClosed) {
		return nil
	}
	return fmt.Errorf("signaling connection lost: %w", err)
}

// runPlain sends each stdin line as a chat message and prints chat to stdout.
// Other room events go to the log.
func runPlain(ctx context.Context, sess *peerclient.Session, events <-chan mesh.Event, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	go func() {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			if err := sess.SendChat(text); err != nil {
				log.Warn("chat not sent", "err", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case ev := <-events:
			logEvent(log, stdout, ev)
		}
	}
}

func logEvent(log *slog.Logger, stdout io.Writer, ev mesh.Event) {
	switch ev.Type {
	case mesh.EventJoined:
		log.Info("joined", "self", ev.PeerID, "peers", len(ev.Peers))
	case mesh.EventPeerJoined:
		log.Info("peer joined", "peer", ev.PeerID, "name", ev.Name)
	case mesh.EventPeerLeft:
		log.Info("peer left", "peer", ev.PeerID, "reason", ev.Reason)
	case mesh.EventChat:
		fmt.Fprintf(stdout, "%s %s: %s\n", ev.Chat.Timestamp.Local().Format("15:04:05"), ev.Chat.SenderName, ev.Chat.Text)
	case mesh.EventMediaState:
		if ev.MediaState != nil {
			log.Info("media state", "peer", ev.PeerID,
				"camera", ev.MediaState.Camera, "microphone", ev.MediaState.Microphone, "screen_share", ev.MediaState.ScreenShare)
		}
	case mesh.EventError:
		if ev.Error != nil {
			log.Warn("server error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	}
}
