package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/courtdesk/chatline/pkg/gateway"
	"github.com/courtdesk/chatline/pkg/timeline"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send one message and exit",
	ArgsUsage: "CONTACT [MESSAGE...]",
	Before:    prepareApp,
	Action:    cmdSend,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "attach",
			Usage: "Path of a file to send as an attachment",
		},
	},
}

func cmdSend(ctx *cli.Context) error {
	contact := ctx.Args().Get(0)
	if contact == "" {
		return fmt.Errorf("usage: chatline send CONTACT [MESSAGE...]")
	}
	body := strings.Join(ctx.Args().Slice()[1:], " ")
	client := getClient(ctx)

	cctx, cancel := context.WithTimeout(ctx.Context, time.Minute)
	defer cancel()

	var attID string
	if path := ctx.String("attach"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		attID, err = client.UploadAttachment(cctx, filepath.Base(path), data)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
	}

	tempID := gateway.NewTempID()
	res, err := client.SendMessage(cctx, contact, gateway.SendRequest{
		TempID:       tempID,
		Body:         body,
		AttachmentID: attID,
	})
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", res.ID)

	// Mirror the send into the archive so offline history includes it.
	if store, err := openArchive(ctx); err == nil {
		defer store.Close()
		_ = store.Record(cctx, client.Dialplan().Normalize(contact), timeline.Message{
			Ref:        timeline.Ref{TempID: tempID, ServerID: res.ID},
			Direction:  timeline.DirectionOutgoing,
			Body:       body,
			Attachment: attID,
			Timestamp:  res.Timestamp.Time,
			Status:     timeline.StatusSent,
		})
	}
	return nil
}
