package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"gend/internal/session"
	"gend/pkg/types"
)

func buildRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Generate completions for one prompt and print them as NDJSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			hub, err := newHub(cfg, log)
			if err != nil {
				return err
			}
			defer hub.Close()

			model, _ := cmd.Flags().GetString("model")
			sample, _ := cmd.Flags().GetBool("sample")
			topK, _ := cmd.Flags().GetInt("top-k")
			maxNew, _ := cmd.Flags().GetInt("max-new-tokens")
			maxLen, _ := cmd.Flags().GetInt("max-length")
			numReturn, _ := cmd.Flags().GetInt("num-return")
			seed, _ := cmd.Flags().GetInt64("seed")

			// Ctrl+C interrupts the run; the session records it instead of
			// the signal unwinding through the process.
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := hub.NewSession(ctx, model,
				session.WithSink(session.NewNDJSONSink(os.Stdout, nil)))
			if err != nil {
				return err
			}
			req := types.GenerateRequest{
				Model:              model,
				Prompt:             strings.Join(args, " "),
				Sample:             sample,
				TopK:               topK,
				MaxNewTokens:       maxNew,
				MaxLength:          maxLen,
				NumReturnSequences: numReturn,
				Seed:               seed,
			}
			if _, err := s.Generate(ctx, req); err != nil {
				if session.IsInterrupted(err) {
					// Leave the session clean before exiting.
					_ = s.Acknowledge()
					fmt.Fprintln(os.Stderr, "interrupted")
					return nil
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("model", "", "Model id (default: configured default model)")
	cmd.Flags().Bool("sample", false, "Enable top-k sampling instead of greedy decoding")
	cmd.Flags().Int("top-k", 0, "Top-K sampling cutoff (sampling only)")
	cmd.Flags().Int("max-new-tokens", 0, "New-token budget beyond the prompt")
	cmd.Flags().Int("max-length", 0, "Absolute length budget including prompt tokens")
	cmd.Flags().Int("num-return", 1, "Number of completions to return")
	cmd.Flags().Int64("seed", 0, "Sampling seed (0 = runtime default)")
	return cmd
}
