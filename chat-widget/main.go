package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/chat-widget/room"
)

var rootCmd = &cobra.Command{
	Use:   "chat-widget",
	Short: "Embeddable chat widget backed by a realtime key-value room",
	RunE:  runWidget,
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Serve a standalone room service (the hosted key-value backend)",
	RunE:  runRoom,
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagRoom       string
	flagDataPath   string
	flagRoomURL    string
	flagCredKey    string
	flagExpire     time.Duration
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "optional portal relay base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8092, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "chat-widget", "widget display name")
	flags.StringVar(&flagRoom, "room", "lobby", "room namespace messages sync through")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist the room via PebbleDB")
	flags.StringVar(&flagRoomURL, "room-url", os.Getenv("ROOM_URL"), "remote room service base URL; empty runs an embedded room")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key for the relay listener (base64 encoded)")
	flags.DurationVar(&flagExpire, "expire", 0, "optional expiry applied to written messages (0 keeps them)")

	roomFlags := roomCmd.Flags()
	roomFlags.IntVar(&flagPort, "port", 8093, "room service HTTP port")
	roomFlags.StringVar(&flagDataPath, "data-path", "", "directory to persist the room via PebbleDB")

	rootCmd.AddCommand(roomCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat-widget command")
	}
}

// openRoom picks the room backend: a remote service when --room-url is set,
// otherwise pebble at --data-path, otherwise in-memory.
func openRoom() (room.Room, error) {
	if flagRoomURL != "" {
		log.Info().Msgf("[widget] using remote room at %s", flagRoomURL)
		return room.NewClient(flagRoomURL), nil
	}
	if flagDataPath != "" {
		r, err := room.OpenPebbleRoom(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[widget] open pebble room failed; running in memory only")
			return room.NewMemoryRoom(), nil
		}
		return r, nil
	}
	return room.NewMemoryRoom(), nil
}

func runWidget(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rm, err := openRoom()
	if err != nil {
		return err
	}

	srv := NewWidgetServer(flagName, flagRoom, rm, flagExpire)
	handler := srv.Handler()

	// Shared credential across all relay listeners
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}
	// Optional exposure through portal relays
	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range flagServerURLs {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("new relay client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
			if err != nil {
				return fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}

	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[widget] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[widget] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[widget] local http stopped")
			}
		}()
	}
	if flagPort < 0 && len(listeners) == 0 {
		return fmt.Errorf("nothing to serve: provide --port or --server-url")
	}

	go func() {
		<-ctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range clients {
			_ = c.Close()
		}
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("[widget] http server shutdown error")
			}
		}
	}()

	<-ctx.Done()
	srv.Shutdown()
	if err := rm.Close(); err != nil {
		log.Warn().Err(err).Msg("[widget] room close error")
	}
	log.Info().Msg("[widget] shutdown complete")
	return nil
}

func runRoom(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rm room.Room
	if flagDataPath != "" {
		r, err := room.OpenPebbleRoom(flagDataPath)
		if err != nil {
			return fmt.Errorf("open pebble room: %w", err)
		}
		rm = r
	} else {
		log.Warn().Msg("[room] no --data-path; room is in-memory and volatile")
		rm = room.NewMemoryRoom()
	}

	srv := room.NewServer(rm)
	handler := NewRoomHandler(srv)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	log.Info().Msgf("[room] serving at http://127.0.0.1:%d", flagPort)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("[room] http stopped")
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[room] http server shutdown error")
	}
	srv.Shutdown()
	if err := rm.Close(); err != nil {
		log.Warn().Err(err).Msg("[room] room close error")
	}
	log.Info().Msg("[room] shutdown complete")
	return nil
}
