package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Charana123/tori/go-torrent/config"
	"github.com/Charana123/tori/go-torrent/download"
	"github.com/Charana123/tori/go-torrent/torrent"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const usageLine = "Usage: tori [-V|--version] [-o|--output <dir>] [-v|--verbose] <torrent>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer, message string) {
	fmt.Fprintf(w, "Error: %s\n\n%s\n", message, usageLine)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := config.Flags("tori")
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s\n\n%s", usageLine, fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		usage(stderr, err.Error())
		return 1
	}
	if version, _ := fs.GetBool("version"); version {
		fmt.Fprintf(stdout, "tori v%s\n", config.VERSION)
		return 0
	}

	cfg, err := config.Load(fs)
	if err != nil {
		usage(stderr, err.Error())
		return 1
	}
	if err := download.CheckOutput(cfg.Output); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		usage(stderr, "Torrent file was not given")
		return 1
	}
	arg := fs.Arg(0)
	if strings.HasPrefix(arg, "magnet:") {
		fmt.Fprintf(stderr, "Error: %s\n", rejectMagnet(arg))
		return 1
	}

	tor, err := torrent.Open(arg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}
	logger := config.NewLogger(stderr, cfg.Verbose)
	res, err := download.NewDownload(tor, cfg, logger).Start(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("download failed")
		return 1
	}
	if res.AlreadyComplete {
		fmt.Fprintf(stdout, "%s is already downloaded\n", tor.MetaInfo.Info.Name)
	}
	return 0
}

// rejectMagnet validates the link so a typo is reported as such, even
// though downloading from a magnet link is not supported.
func rejectMagnet(uri string) error {
	m, err := torrent.ParseMagnet(uri)
	if err != nil {
		return err
	}
	if _, err := m.Hash(); err != nil {
		return err
	}
	name := m.Name
	if name == "" {
		name = m.InfoHash
	}
	return errors.Errorf("magnet links are not supported, %s needs its .torrent file", name)
}
