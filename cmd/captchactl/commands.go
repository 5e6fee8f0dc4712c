package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/captcha-worker/internal/app"
	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/expression"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
)

var (
	outputJSON bool
	envFile    string
	timeout    time.Duration
)

// NewRootCmd builds the captchactl command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "captchactl",
		Short: "Solve arithmetic captchas and manage recognition jobs",
		Long: "captchactl reads arithmetic captchas from OCR text or images.\n\n" +
			"Configuration comes from the same environment variables as the worker;\n" +
			"an optional env file is loaded first.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load %s: %w", envFile, err)
				}
			}
			return logging.Setup(os.Getenv("LOG_LEVEL"), "console")
		},
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for the command")

	rootCmd.AddCommand(newSolveCmd(), newRecognizeCmd(), newEnqueueCmd(), newJobCmd(), newVersionCmd())
	return rootCmd
}

func newSolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solve <ocr-text>",
		Short: "Extract and evaluate the expression in raw OCR text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := strings.Join(args, " ")

			extractor, err := expression.NewExtractor(expression.DefaultConfig())
			if err != nil {
				return err
			}
			extraction, err := extractor.Extract(raw)
			if err != nil {
				return err
			}
			evaluation, err := expression.NewEvaluator(expression.DefaultTraceLimits()).Evaluate(extraction.Expression)
			if err != nil {
				return err
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"result":      evaluation.Result,
					"cleanedText": extraction.Cleaned,
					"expression":  extraction.Expression,
					"strategy":    extraction.Strategy,
					"calculation": evaluation.Calculation(),
					"steps":       evaluation.Steps,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Expression:  %s (%s)\n", extraction.Expression, extraction.Strategy)
			fmt.Fprintf(out, "Calculation: %s\n", evaluation.Calculation())
			fmt.Fprintf(out, "Result:      %d\n", evaluation.Result)
			return nil
		},
	}
}

func newRecognizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <image-file>",
		Short: "Run the OCR pipeline on an image file locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			engine, err := app.NewEngine(cfg)
			if err != nil {
				return err
			}
			proc, err := app.NewProcessor(cfg, engine, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := proc.Recognize(ctx, &processor.RecognizeRequest{ImageBytes: image})
			if err != nil {
				return err
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "OCR text:    %q (%s)\n", result.Details.RawOCRResult, result.Details.OCREngine)
			fmt.Fprintf(out, "Expression:  %s\n", result.Details.Expression)
			fmt.Fprintf(out, "Calculation: %s\n", result.Details.Calculation)
			fmt.Fprintf(out, "Result:      %d\n", result.Result)
			return nil
		},
	}
}

func newProducer() (*queue.Producer, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	redisOpt, err := app.AsynqRedisOpt(cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewProducer(redisOpt, queue.ProducerConfig{
		QueueName: cfg.AsynqQueue,
		MaxRetry:  cfg.JobMaxRetry,
		Timeout:   cfg.ProcessingTimeout,
		Retention: cfg.JobRetention,
	}), nil
}

func newEnqueueCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "enqueue <image-file|image-url>",
		Short: "Submit a recognition job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := &queue.RecognizePayload{JobID: jobID}
			if strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://") {
				payload.ImageURL = args[0]
			} else {
				image, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				payload.Image = base64.StdEncoding.EncodeToString(image)
			}

			producer, err := newProducer()
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			id, err := producer.Enqueue(ctx, payload)
			if err != nil {
				return err
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"jobId": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job id (generated when empty)")
	return cmd
}

func newJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show the state of a recognition job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			producer, err := newProducer()
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := producer.GetJob(ctx, args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:     %s\n", status.ID)
			fmt.Fprintf(out, "State:   %s\n", status.State)
			fmt.Fprintf(out, "Retried: %d/%d\n", status.Retried, status.MaxRetry)
			if status.LastError != "" {
				fmt.Fprintf(out, "Error:   %s\n", status.LastError)
			}
			if len(status.Result) > 0 {
				fmt.Fprintf(out, "Result:  %s\n", status.Result)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "captchactl %s (%s)\n", Version, GitCommit)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
