package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/courtdesk/chatline/pkg/timeline"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print recent messages for a conversation",
	ArgsUsage: "CONTACT",
	Before:    prepareApp,
	Action:    cmdHistory,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
			Usage: "How many messages to print",
		},
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "Read from the local archive instead of the gateway",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	contact := ctx.Args().Get(0)
	if contact == "" {
		return fmt.Errorf("usage: chatline history CONTACT")
	}
	client := getClient(ctx)
	limit := ctx.Int("limit")

	var (
		msgs    []timeline.Message
		hasMore bool
	)
	if ctx.Bool("offline") {
		store, err := openArchive(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		msgs, err = store.ListRecent(ctx.Context, client.Dialplan().Normalize(contact), limit)
		if err != nil {
			return err
		}
	} else {
		cctx, cancel := context.WithTimeout(ctx.Context, 30*time.Second)
		defer cancel()
		var err error
		msgs, hasMore, err = client.FetchMessages(cctx, contact, limit, time.Time{})
		if err != nil {
			return err
		}
	}

	if hasMore {
		fmt.Println("(older messages available)")
	}
	for _, msg := range msgs {
		fmt.Println(formatMessage(msg))
	}
	return nil
}
