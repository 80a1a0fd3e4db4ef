package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints the most recently touched sources and their schedule state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sources, err := store.ListRecentSources(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintln(os.Stdout, "no tracked sources found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tItem\tMode\tStatus\tErrors\tLast Poll (UTC)\tNext Poll (UTC)\tError")

	for _, src := range sources {
		errMsg := ""
		if src.LastError != nil {
			errMsg = sanitizeInline(*src.LastError)
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			src.ID,
			src.ItemID,
			src.Mode,
			src.LastStatus,
			src.ErrorCount,
			formatNullableTime(src.LastPolledAt),
			formatNullableTime(src.NextPollAt),
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func formatNullableTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
