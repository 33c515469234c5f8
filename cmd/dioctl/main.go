package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/docopt/docopt-go"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/client"
)

const DioCtlVersion = "0.1.0"

const usage = `DIO document control.

Usage:
    dioctl list [options] [<filter>...]
    dioctl fetch [options] <id> [--doc-version=<n>] [--out=<file>]
    dioctl checkout [options] <id> [--name=<name>]
    dioctl upload [options] <file> <name> [--ignore-ids]
    dioctl update [options] <id> <file> [--name=<name>] [--ignore-ids]
    dioctl delete [options] <id>
    dioctl release [options] <id> [--force]
    dioctl log [options] <id> [--follow]
    dioctl cache list [options]
    dioctl cache flush [options]
    dioctl cache cleanup [options]
    dioctl -h | --help
    dioctl --version

Filters are name=value pairs, for example docName=paper.xml.

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<file>         YAML configuration file.
    --server=<url>          Server URL, tcp://host:port or ws://host:port.
    --session=<id>          Session id issued by the authentication service.
    --user=<user>           User name the session belongs to.
    --cache-dir=<dir>       Local cache root, "none" for no cache.
    --timeout=<duration>    Read timeout for document bodies.
    --log-level=<level>     debug, info, warn or error.
    --doc-version=<n>       Document version, 0 for the latest [default: 0].
    --out=<file>            Write the document body here instead of stdout.
    --name=<name>           Document name.
    --ignore-ids            Store even if the external identifier is in use.
    --force                 Release even if cached updates cannot be uploaded.
    --follow                Poll the log until processing finished.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], DioCtlVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		report(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func report(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var conflict *client.ConflictError
	if errors.As(err, &conflict) {
		fmt.Fprintln(w, "Documents using the same external identifier:")
		for _, id := range conflict.ConflictingIDs() {
			fmt.Fprintf(w, "    %s\n", id)
		}
		fmt.Fprintln(w, "Run again with --ignore-ids to store anyway.")
	}
}
