package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/courtdesk/chatline/pkg/gateway"
	"github.com/courtdesk/chatline/pkg/session"
	"github.com/courtdesk/chatline/pkg/timeline"
)

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Open an interactive conversation",
	ArgsUsage: "CONTACT",
	Before:    prepareApp,
	Action:    cmdChat,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "Serve Prometheus metrics on this address (overrides config)",
		},
		&cli.StringFlag{
			Name:  "outbox",
			Usage: "Watch this directory and send dropped files as attachments (overrides config)",
		},
	},
}

func openFeed(log zerolog.Logger, cfg *Config) (gateway.Feed, error) {
	if cfg.Feed.Transport == "redis" {
		return gateway.NewRedisFeed(log, gateway.RedisFeedConfig{
			Addr:     cfg.Feed.Redis.Addr,
			Password: cfg.Feed.Redis.Password,
			DB:       cfg.Feed.Redis.DB,
		})
	}
	return gateway.NewSocketFeed(log, gateway.SocketFeedConfig{
		URL:   cfg.Gateway.ResolveEventsURL(),
		Token: cfg.Gateway.Token,
	})
}

func serveMetrics(log zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}

func cmdChat(ctx *cli.Context) error {
	contact := ctx.Args().Get(0)
	if contact == "" {
		return fmt.Errorf("usage: chatline chat CONTACT")
	}
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	client := getClient(ctx)

	store, err := openArchive(ctx)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	feed, err := openFeed(log, cfg)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to connect event feed: %w", err)
	}

	disp := newConsole(os.Stdout)
	var sess *session.Session
	sess, err = session.New(log, session.Config{
		PageSize: cfg.PageSize,
		Dialplan: client.Dialplan(),
		OnChange: func() { disp.render(sess.Timeline()) },
	}, session.Deps{
		Fetcher: client,
		Sender:  client,
		Feed:    feed,
		Sink:    store,
	})
	if err != nil {
		feed.Close()
		store.Close()
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		log.Info().Stringer("signal", s).Msg("Shutting down")
		_ = sess.Close()
		_ = feed.Close()
		_ = store.Close()
		os.Exit(0)
	}()

	if addr := firstNonEmpty(ctx.String("metrics-listen"), cfg.MetricsListen); addr != "" {
		go serveMetrics(log, addr)
	}

	cctx := ctx.Context
	if err := sess.SwitchConversation(cctx, contact); err != nil {
		return err
	}
	if err := sess.LoadInitial(cctx); err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	if dir := firstNonEmpty(ctx.String("outbox"), cfg.Outbox); dir != "" {
		go func() {
			if err := watchOutbox(cctx, log, client, sess, dir); err != nil {
				log.Error().Err(err).Msg("Outbox watcher stopped")
			}
		}()
	}

	fmt.Printf("chatting with %s (/help for commands)\n", sess.Contact())
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/q":
			_ = sess.Close()
			_ = feed.Close()
			_ = store.Close()
			return nil
		case line == "/older":
			if err := sess.LoadOlder(cctx); err != nil {
				fmt.Printf("! %v\n", err)
			} else if !sess.HasMore() {
				fmt.Println("(no more history)")
			}
		case strings.HasPrefix(line, "/switch "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/switch"))
			if err := switchChat(cctx, sess, disp, target); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/attach "):
			if err := attachFile(cctx, client, sess, strings.TrimPrefix(line, "/attach ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/save "):
			if err := saveAttachment(cctx, client, strings.TrimPrefix(line, "/save ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /older, /switch CONTACT, /attach PATH [CAPTION], /save ATTACHMENT PATH, /quit")
		default:
			if _, err := sess.Send(cctx, line, ""); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
	return scanner.Err()
}

func switchChat(ctx context.Context, sess *session.Session, disp *console, contact string) error {
	if contact == "" {
		return fmt.Errorf("usage: /switch CONTACT")
	}
	if err := sess.SwitchConversation(ctx, contact); err != nil {
		return err
	}
	disp.reset()
	fmt.Printf("chatting with %s\n", sess.Contact())
	return sess.LoadInitial(ctx)
}

func attachFile(ctx context.Context, client *gateway.Client, sess *session.Session, args string) error {
	path, caption, _ := strings.Cut(strings.TrimSpace(args), " ")
	if path == "" {
		return fmt.Errorf("usage: /attach PATH [CAPTION]")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	id, err := client.UploadAttachment(ctx, filepath.Base(path), data)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	_, err = sess.Send(ctx, strings.TrimSpace(caption), id)
	return err
}

func saveAttachment(ctx context.Context, client *gateway.Client, args string) error {
	id, path, _ := strings.Cut(strings.TrimSpace(args), " ")
	path = strings.TrimSpace(path)
	if id == "" || path == "" {
		return fmt.Errorf("usage: /save ATTACHMENT PATH")
	}
	data, mime, err := client.DownloadAttachment(ctx, id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Printf("saved %s (%s, %d bytes) to %s\n", id, mime, len(data), path)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// console prints timeline changes as they land: one line per new message,
// another when an outgoing message changes status. It keys entries by their
// temporary id when one exists, since the canonical identity strengthens as
// gateway ids are attached.
type console struct {
	out io.Writer

	mu   sync.Mutex
	seen map[string]timeline.Status
}

func newConsole(out io.Writer) *console {
	return &console{out: out, seen: make(map[string]timeline.Status)}
}

func (c *console) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]timeline.Status)
}

func (c *console) render(msgs []timeline.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		key := msg.TempID
		if key == "" {
			key = msg.Identity()
		}
		last, known := c.seen[key]
		if known && last == msg.Status {
			continue
		}
		c.seen[key] = msg.Status
		fmt.Fprintln(c.out, formatMessage(msg))
	}
}

func formatMessage(msg timeline.Message) string {
	var b strings.Builder
	b.WriteString(msg.Timestamp.Local().Format("15:04"))
	if msg.Direction == timeline.DirectionOutgoing {
		b.WriteString(" >> ")
	} else {
		b.WriteString(" << ")
	}
	if msg.Attachment != "" {
		fmt.Fprintf(&b, "[attachment %s] ", msg.Attachment)
	}
	b.WriteString(msg.Body)
	if msg.Direction == timeline.DirectionOutgoing {
		if msg.Status == timeline.StatusFailed && msg.SendError != "" {
			fmt.Fprintf(&b, " [failed: %s]", msg.SendError)
		} else {
			fmt.Fprintf(&b, " [%s]", msg.Status)
		}
	}
	return b.String()
}
