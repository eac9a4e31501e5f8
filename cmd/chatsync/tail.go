package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/config"
	"github.com/lrhodin/chatsync/pkg/session"
	"github.com/lrhodin/chatsync/pkg/store"
)

var tailCommand = &cli.Command{
	Name:   "tail",
	Usage:  "Follow a conversation live. Lines typed on stdin are sent.",
	Before: requiresSession,
	Action: cmdTail,
	Flags: []cli.Flag{
		conversationFlag,
		&cli.BoolFlag{
			Name:  "read-only",
			Usage: "Don't send lines from stdin",
		},
	},
}

// printer writes each message once, in arrival order.
type printer struct {
	out     io.Writer
	mu      sync.Mutex
	printed map[string]struct{}
	failed  map[string]struct{}
	typers  string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		printed: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
	}
}

func (p *printer) snapshot(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range snap.Messages {
		if msg.IsOptimistic() {
			if _, seen := p.failed[msg.ID]; !seen && msg.UploadState == chat.UploadFailed {
				p.failed[msg.ID] = struct{}{}
				printMessage(p.out, msg)
			}
			continue
		}
		if _, seen := p.printed[msg.ID]; !seen {
			p.printed[msg.ID] = struct{}{}
			printMessage(p.out, msg)
		}
	}
}

func (p *printer) typing(userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	joined := strings.Join(userIDs, ", ")
	if joined == p.typers {
		return
	}
	p.typers = joined
	if joined != "" {
		fmt.Fprintf(p.out, "... %s typing\n", joined)
	}
}

func cmdTail(ctx *cli.Context) error {
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClients(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	out := newPrinter(os.Stdout)
	sess, err := c.openSession(runCtx, ctx.String("conversation"), session.Options{
		OnChange: out.snapshot,
		OnTyping: out.typing,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	out.snapshot(sess.Snapshot())

	go watchConfig(runCtx, ctx.String("config"), c.log)
	if !ctx.Bool("read-only") {
		go sendLines(runCtx, sess, c.log)
	}
	<-runCtx.Done()
	return nil
}

func sendLines(ctx context.Context, sess *session.Session, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		sess.InputChanged(line)
		if line == "" {
			continue
		}
		if _, err := sess.Send(ctx, line, nil, ""); err != nil {
			log.Err(err).Msg("Failed to send message")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// watchConfig applies log level changes without a restart. The directory is
// watched since editors often replace the file instead of writing to it.
func watchConfig(ctx context.Context, path string, log zerolog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Msg("Failed to watch config directory")
		return
	}
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != name || !evt.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path, false)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			if cfg.Logging.MinLevel != nil {
				zerolog.SetGlobalLevel(*cfg.Logging.MinLevel)
				log.Info().Stringer("level", *cfg.Logging.MinLevel).Msg("Reloaded log level")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
