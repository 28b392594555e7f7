// Command clouddrop-peer is a terminal CloudDrop client: it joins a room
// on a signaling hub, negotiates direct or relay transport per peer via
// the connection engine, and sends/receives files through the transfer
// manager. It is a terminal stand-in for the browser client, for
// environments where a browser isn't the point.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/x0tta6bl4/clouddrop/internal/config"
	"github.com/x0tta6bl4/clouddrop/internal/cryptoenvelope"
	"github.com/x0tta6bl4/clouddrop/internal/engine"
	"github.com/x0tta6bl4/clouddrop/internal/roomcode"
	"github.com/x0tta6bl4/clouddrop/internal/telemetry"
	"github.com/x0tta6bl4/clouddrop/internal/transfer"
)

func main() {
	configPath := flag.String("config", "", "path to peer config YAML")
	room := flag.String("room", "", "room code to join (overrides config)")
	password := flag.String("password", "", "room password (overrides config)")
	name := flag.String("name", "", "display name (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve /metrics and /healthz on this address")
	flag.Parse()

	cfg := config.DefaultPeerConfig()
	if *configPath != "" {
		loaded, err := config.LoadPeerConfigFromFile(*configPath)
		if err != nil {
			fatal("load config", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *room != "" {
		cfg.RoomCode = *room
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *name != "" {
		cfg.DisplayName = *name
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	crypto, err := cryptoenvelope.NewManager()
	if err != nil {
		fatal("init crypto envelope", err)
	}
	if cfg.Password != "" && cfg.RoomCode != "" {
		if err := crypto.SetRoomPassword(cfg.Password, cfg.RoomCode, roomcode.MinPasswordLength); err != nil {
			fatal("set room password", err)
		}
	}

	iceEndpoint := iceServersURL(cfg.SignalURL)
	ranker := engine.NewICEServerRanker(iceEndpoint)

	passwordHash := ""
	if cfg.Password != "" {
		passwordHash = roomcode.HashPassword(cfg.Password, cfg.RoomCode)
	}
	wsURL, err := dialURL(cfg, passwordHash)
	if err != nil {
		fatal("build dial url", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), connectTimeout)
	defer cancelDial()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		fatal("dial signaling hub", err)
	}

	sess := newSession(cfg, conn, crypto, ranker, logger)
	sess.stdin = bufio.NewReader(os.Stdin)

	go sess.readLoop()
	joinCtx, cancelJoin := context.WithTimeout(context.Background(), connectTimeout)
	defer cancelJoin()
	if err := sess.join(joinCtx); err != nil {
		fatal("join room", err)
	}

	sess.recovery.Start()
	defer sess.recovery.Stop()

	if *metricsAddr != "" {
		collector := telemetry.NewCollector(logger)
		collector.Register("engine", sess.registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("commands: peers | send <peerId> <path> | quit")
	go runCommandLoop(ctx, sess)

	<-ctx.Done()
	conn.Close()
}

func runCommandLoop(ctx context.Context, sess *Session) {
	for {
		sess.stdinMu.Lock()
		line, err := sess.stdin.ReadString('\n')
		sess.stdinMu.Unlock()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			sess.ws.Close()
			return
		case "peers":
			for _, pc := range sess.registry.All() {
				fmt.Printf("  mode=%s\n", pc.Mode())
			}
		case "send":
			if len(fields) != 3 {
				fmt.Println("usage: send <peerId> <path>")
				continue
			}
			go sendFile(ctx, sess, fields[1], fields[2])
		default:
			fmt.Println("unknown command")
		}
	}
}

func sendFile(ctx context.Context, sess *Session, peerID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read %s: %v\n", path, err)
		return
	}
	meta := transfer.FileMeta{
		Name:     filepath.Base(path),
		Size:     int64(len(data)),
		MimeType: "application/octet-stream",
	}
	if err := sess.xfer.SendFile(ctx, peerID, meta, data); err != nil {
		fmt.Printf("send %s to %s: %v\n", path, peerID, err)
	}
}

// iceServersURL derives the hub's /api/ice-servers endpoint from its
// WebSocket URL, the same origin with ws(s) swapped for http(s).
func iceServersURL(signalURL string) string {
	u := signalURL
	u = strings.Replace(u, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	if i := strings.Index(u, "/ws"); i >= 0 {
		u = u[:i]
	}
	return u + "/api/ice-servers"
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
