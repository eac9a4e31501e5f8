package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v2"
)

var historyCommand = &cli.Command{
	Name:   "history",
	Usage:  "Print recent messages in a conversation",
	Before: requiresSession,
	Action: cmdHistory,
	Flags: []cli.Flag{
		conversationFlag,
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of messages to print",
			Value: 20,
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Skip this many of the newest messages",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	c, err := newClients(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	convID := ctx.String("conversation")
	page, err := c.backend().GetMessages(ctx.Context, convID, ctx.Int("limit"), ctx.Int("offset"))
	if err != nil {
		return err
	}
	msgs := slices.Clone(page.Messages)
	slices.Reverse(msgs)
	for _, msg := range msgs {
		printMessage(os.Stdout, msg)
	}
	if page.HasMore {
		fmt.Println("(older messages available)")
	}
	if c.cache != nil {
		count, stale, err := c.cache.UnreadCount(ctx.Context, convID)
		if err == nil && !stale {
			fmt.Printf("Unread: %d\n", count)
		}
	}
	return nil
}
