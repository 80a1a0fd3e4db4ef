package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Cycle runs a single orchestration cycle and prints the report. The same
// code path the trigger endpoint uses, for cron-style and manual operation.
func (a *App) Cycle(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := a.newOrchestrator(store).RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("cycle aborted: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}

	if report.Failed > 0 {
		a.Logger.Warn().Int("failed", report.Failed).Msg("cycle completed with per-source failures")
	}
	return nil
}
