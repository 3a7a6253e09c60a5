package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd builds the one-shot command: import keywords, process them
// all, and exit.
func newRunCmd(cfgPath *string) *cobra.Command {
	var keywordsFile string

	cmd := &cobra.Command{
		Use:   "run [keywords...]",
		Short: "Process the given keywords and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			// A one-shot invocation ends when the queue drains rather
			// than polling for more work.
			a.Cfg.Engine.ExitWhenDrained = true

			keys := args
			if keywordsFile != "" {
				fileKeys, err := readKeywords(keywordsFile)
				if err != nil {
					return err
				}
				keys = append(keys, fileKeys...)
			}
			if len(keys) == 0 {
				return fmt.Errorf("no keywords given: pass them as arguments or via --keywords-file")
			}

			added, err := a.ImportKeys(ctx, keys)
			if err != nil {
				return fmt.Errorf("import keywords: %w", err)
			}
			a.Logger.Info("keywords imported",
				zap.Int("given", len(keys)),
				zap.Int("added", added),
			)

			wdCtx, stopWatchdog := context.WithCancel(ctx)
			defer stopWatchdog()
			go a.Watchdog.Run(wdCtx)

			datasetID, err := a.Manager.Start(ctx)
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			a.Logger.Info("run started", zap.String("dataset_id", datasetID))

			// An interrupt turns into a graceful stop; the run drains
			// its current item and flushes before exiting.
			go func() {
				<-ctx.Done()
				a.Manager.Stop()
			}()

			if err := a.Manager.Wait(context.Background()); err != nil {
				return err
			}
			a.Logger.Info("run complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&keywordsFile, "keywords-file", "", "file with one keyword per line")
	return cmd
}

func readKeywords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keywords file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keywords file: %w", err)
	}
	return keys, nil
}
