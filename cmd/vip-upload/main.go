package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/vip-tools/go-transferutils/upload"
	"github.com/vip-tools/go-transferutils/upload/network"
)

type options struct {
	appID      int
	envID      int
	noCompress bool
	verbose    bool
	uploadID   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(log.NewLogger(), env.NewRepository()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "vip-upload [flags] PATH...",
		Short: "Upload SQL dumps, archives and media files to site storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runUpload(cmd.Context(), cmd.OutOrStdout(), logger, envRepo, opts, args)
		},
	}
	rootCmd.PersistentFlags().IntVar(&opts.appID, "app", 0, "Application ID")
	rootCmd.PersistentFlags().IntVar(&opts.envID, "env", 0, "Environment ID")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print debug logs")
	rootCmd.Flags().BoolVar(&opts.noCompress, "no-compress", false, "Upload files as they are, without gzip compression")
	_ = rootCmd.MarkPersistentFlagRequired("app")
	_ = rootCmd.MarkPersistentFlagRequired("env")

	partsCmd := &cobra.Command{
		Use:   "parts --upload-id ID PATH",
		Short: "List the parts storage has recorded for an open multipart upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runListParts(cmd.Context(), cmd.OutOrStdout(), logger, envRepo, opts, args[0])
		},
	}
	partsCmd.Flags().StringVar(&opts.uploadID, "upload-id", "", "Multipart upload ID")
	_ = partsCmd.MarkFlagRequired("upload-id")
	rootCmd.AddCommand(partsCmd)

	return rootCmd
}

func newUploader(ctx context.Context, logger log.Logger, envRepo env.Repository, opts *options) (*upload.Uploader, error) {
	logger.EnableDebugLog(opts.verbose)

	config, err := upload.NewConfig(envRepo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	logger.Debugf("Config: %+v", config)

	return upload.NewUploader(ctx, config, upload.Options{
		Destination:        network.Destination{AppID: opts.appID, EnvID: opts.envID},
		DisableCompression: opts.noCompress,
	}, logger)
}

func runUpload(ctx context.Context, out io.Writer, logger log.Logger, envRepo env.Repository, opts *options, args []string) error {
	evaluator := pathEvaluator{
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
	paths, err := evaluator.evaluate(args)
	if err != nil {
		return fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no file to upload")
	}

	uploader, err := newUploader(ctx, logger, envRepo, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := uploader.Close(); err != nil {
			logger.Warnf("Failed to clean up: %s", err)
		}
	}()

	for _, path := range paths {
		logger.Println()
		logger.Infof("Uploading %s", path)
		startTime := time.Now()

		result, err := uploader.UploadFile(ctx, path, upload.PercentageReporter(func(percentage string) {
			_, _ = fmt.Fprintf(out, "\r%s", percentage)
		}))
		_, _ = fmt.Fprintln(out)
		if err != nil {
			logger.Errorf("Upload failed: %s", err)
			return err
		}

		printSummary(logger, result, time.Since(startTime))
	}

	return nil
}

func printSummary(logger log.Logger, result network.Result, elapsed time.Duration) {
	logger.Donef("Uploaded %s in %s", result.Meta.Basename, elapsed.Round(time.Millisecond))
	logger.Printf("Size: %s", units.HumanSizeWithPrecision(float64(result.Meta.FileSize), 3))
	if result.Meta.IsCompressed {
		logger.Printf("Compressed: %s", result.Meta.Kind)
	}
	logger.Printf("MD5: %s", result.Fingerprint)
	logger.Printf("Strategy: %s", result.Strategy)
	if result.UploadID != "" {
		logger.Printf("Upload ID: %s", result.UploadID)
	}
	if result.Outcome.Location != "" {
		logger.Printf("Location: %s", result.Outcome.Location)
	}
}

func runListParts(ctx context.Context, out io.Writer, logger log.Logger, envRepo env.Repository, opts *options, path string) error {
	uploader, err := newUploader(ctx, logger, envRepo, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := uploader.Close(); err != nil {
			logger.Warnf("Failed to clean up: %s", err)
		}
	}()

	parts, err := uploader.ListParts(ctx, path, opts.uploadID)
	if err != nil {
		logger.Errorf("Failed to list parts: %s", err)
		return err
	}
	for _, part := range parts {
		_, _ = fmt.Fprintf(out, "%d\t%s\n", part.PartNumber, part.ETag)
	}
	logger.Donef("%d parts recorded for upload %s", len(parts), opts.uploadID)
	return nil
}
