package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/session"
	"github.com/lrhodin/chatsync/pkg/upload"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "TEXT",
	Before:    requiresSession,
	Action:    cmdSend,
	Flags: []cli.Flag{
		conversationFlag,
		&cli.StringSliceFlag{
			Name:    "attach",
			Aliases: []string{"a"},
			Usage:   "Image or video file to attach (repeatable)",
		},
		&cli.StringFlag{
			Name:  "reply-to",
			Usage: "ID of the message being replied to",
		},
	},
}

var reactCommand = &cli.Command{
	Name:      "react",
	Usage:     "Add or remove a reaction",
	ArgsUsage: "MESSAGE_ID EMOJI",
	Before:    requiresSession,
	Action:    cmdReact,
	Flags: []cli.Flag{
		conversationFlag,
		&cli.BoolFlag{
			Name:  "remove",
			Usage: "Remove the reaction instead of adding it",
		},
	},
}

func readAttachments(paths []string) ([]upload.Pending, error) {
	pending := make([]upload.Pending, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		pending = append(pending, upload.Pending{
			FileName: filepath.Base(path),
			Data:     data,
		})
	}
	return pending, nil
}

func cmdSend(ctx *cli.Context) error {
	text := ctx.Args().First()
	attachments, err := readAttachments(ctx.StringSlice("attach"))
	if err != nil {
		return err
	}
	c, err := newClients(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	sess, err := c.openSession(ctx.Context, ctx.String("conversation"), session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	msg, err := sess.Send(ctx.Context, text, attachments, ctx.String("reply-to"))
	if err != nil {
		for _, failed := range sess.Snapshot().Optimistic() {
			sess.Discard(failed.ID)
		}
		return err
	}
	fmt.Printf("Sent message %s\n", msg.ID)
	return nil
}

func cmdReact(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("you must specify a message ID and an emoji")
	}
	messageID, emoji := ctx.Args().Get(0), ctx.Args().Get(1)
	c, err := newClients(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	sess, err := c.openSession(ctx.Context, ctx.String("conversation"), session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if ctx.Bool("remove") {
		err = sess.Unreact(ctx.Context, messageID, emoji)
	} else {
		err = sess.React(ctx.Context, messageID, emoji)
	}
	if err != nil {
		return err
	}
	for _, msg := range sess.Snapshot().Confirmed() {
		if msg.ID == messageID {
			printMessage(os.Stdout, msg)
		}
	}
	return nil
}
