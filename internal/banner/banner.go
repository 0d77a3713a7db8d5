// Package banner prints the transcriberd startup/shutdown banners.
package banner

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"

	"github.com/transcriberd/transcriberd/internal/common"
	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
)

// Print displays the application startup banner to stderr.
func Print(cfg *config.Config, logger *logging.Logger) {
	version := common.GetVersion()
	build := common.GetBuild()
	commit := common.GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 88888888888                                             8888888 888888b.   8888888b.`,
		`     888                                                   888   888  "88b  888  "Y88b`,
		`     888                                                   888   888  .88P  888    888`,
		`     888  888d888 8888b.  88888b.  .d8888b   .d8888b       888   8888888K.   888    888`,
		`     888  888P"      "88b 888 "88b 88K       88K           888   888  "Y88b  888    888`,
		`     888  888    .d888888 888  888 "Y8888b.  "Y8888b.      888   888    888  888    888`,
		`     888  888    888  888 888  888      X88       X88      888   888   d88P  888  .d88P`,
		`     888  888    "Y888888 888  888  88888P'   88888P'    8888888 8888888P"   8888888P"`,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  Self-Healing Transcription Dispatcher%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", cfg.Environment},
		{"Service URL", serviceURL},
		{"Inbox", cfg.Inbox.WatchDirectory},
		{"Storage", cfg.Storage.Endpoint},
		{"Workers", fmt.Sprintf("%d", cfg.Worker.MaxWorkers)},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("environment", cfg.Environment).
		Str("service_url", serviceURL).
		Str("storage_endpoint", cfg.Storage.Endpoint).
		Msg("transcriberd started")
}

// PrintShutdown displays the application shutdown banner to stderr.
func PrintShutdown(logger *logging.Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 42
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  TRANSCRIBERD — SHUTTING DOWN%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().Msg("transcriberd shutting down")
}
