package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

var exportCommand = &cli.Command{
	Name:   "export",
	Usage:  "Export archived messages as JSON lines",
	Before: prepareApp,
	Action: cmdExport,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "contact",
			Usage: "Export only this conversation",
		},
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Output file (default stdout)",
		},
	},
}

func cmdExport(ctx *cli.Context) error {
	store, err := openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if path := ctx.String("out"); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}

	contact := ctx.String("contact")
	if contact != "" {
		contact = getClient(ctx).Dialplan().Normalize(contact)
	}
	count, err := store.ExportJSONL(ctx.Context, contact, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d messages\n", count)
	return nil
}
