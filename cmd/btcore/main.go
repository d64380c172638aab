package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/WendelHime/btcore/internal/config"
	"github.com/WendelHime/btcore/internal/decoder"
	"github.com/WendelHime/btcore/internal/logic"
)

func main() {
	var torrentPath string
	var outputDir string
	var configPath string
	var peers string
	var writeConfig bool
	flag.StringVar(&torrentPath, "torrent", "", "Specify the input torrent file")
	flag.StringVar(&outputDir, "output", "", "Specify the output directory (defaults to DownloadDirectory)")
	flag.StringVar(&configPath, "config", "btcore.yaml", "Specify the config file")
	flag.StringVar(&peers, "peers", "", "Comma separated peer addresses to dial besides the trackers' ones")
	flag.BoolVar(&writeConfig, "write-config", false, "Write the effective config to -config and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if writeConfig {
		if err := cfg.WriteYaml(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if torrentPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if outputDir == "" {
		outputDir = cfg.DownloadDirectory
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	// Create a new logger and generate log file
	logOut, err := os.Create(cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	var opts []logic.Option
	if peers != "" {
		opts = append(opts, logic.WithPeers(strings.Split(peers, ",")...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	downloader := logic.NewDownloader(decoder.NewDecoder(), cfg, logger, opts...)
	err = downloader.Download(ctx, f, outputDir)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("failed to download torrent", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
