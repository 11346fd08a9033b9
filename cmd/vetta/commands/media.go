package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/pipeline"
)

// CheckCmd runs the image pipeline on a local file
var CheckCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Run the image pipeline on a local file",
	Long: `Run every pipeline stage and module on a local image and print the
per-stage results as JSON. With --no-store the statistics and storage
stages are skipped and report an error instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

// ScanCmd scores a local gif or video
var ScanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Score a local gif or video",
	Long: `Extract frames from a gif or video with ffmpeg, score the sampled frames
and print the verdict as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var (
	checkNoStore bool
	scanMime     string
)

func init() {
	CheckCmd.Flags().BoolVar(&checkNoStore, "no-store", false, "Do not record statistics or store the image")
	ScanCmd.Flags().StringVar(&scanMime, "mime", "", "MIME type (default: guessed from the file extension)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", args[0])
	}

	ctx := context.Background()
	svc, err := openService(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	orchestrator := svc.pipeline
	if checkNoStore {
		orchestrator = pipeline.New(svc.providers, nil, nil, logger.Logger)
	}

	results := orchestrator.Process(ctx, data, svc.registry.Snapshot())
	warn := pterm.Warning.WithWriter(cmd.ErrOrStderr())
	for stage, msg := range results.Summary() {
		if msg != "ok" {
			warn.Printfln("%s: %s", stage, msg)
		}
	}
	return printJSON(cmd, results)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", args[0])
	}

	mimeType := scanMime
	if mimeType == "" {
		mimeType = guessMime(args[0])
	}

	log := logger.Logger
	scanner, err := newScanner(cfg, newProviders(cfg, log.Named("provider")), log)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.WithWriter(cmd.ErrOrStderr()).Start(fmt.Sprintf("Scanning %s (%s)...", filepath.Base(args[0]), mimeType))
	verdict, err := scanner.Scan(context.Background(), data, mimeType)
	if err != nil {
		spinner.Fail("Scan failed")
		return err
	}
	spinner.Success(fmt.Sprintf("Scanned %d frames", verdict.FrameCount))
	return printJSON(cmd, verdict)
}

// guessMime maps a file extension to a MIME type, treating unknown
// extensions as video
func guessMime(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gif" {
		return "image/gif"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "video/" + strings.TrimPrefix(ext, ".")
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
