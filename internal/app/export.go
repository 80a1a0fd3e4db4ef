package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"cardwatch/internal/storage"
)

type dailyPoint struct {
	day   time.Time
	avg   decimal.Decimal
	count int64
}

// Export renders an item's daily average price history as CSV and/or PNG,
// one series per grade bucket.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.ItemID <= 0 {
		return errors.New("--item is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, -3, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	averages, err := store.ListDailyAverages(ctx, opts.ItemID, from, to)
	if err != nil {
		return err
	}
	if len(averages) == 0 {
		a.Logger.Info().Int64("item_id", opts.ItemID).Msg("no transactions found for export window")
		return nil
	}

	series, err := groupByGrade(averages, opts.MaxPoints)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("item_id", opts.ItemID).Int("days", len(averages)).
		Int("grades", len(series)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeAveragesCSV(opts.CSVPath, averages); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAveragesPNG(opts.PNGPath, opts.ItemID, series); err != nil {
			return err
		}
	}

	return nil
}

func groupByGrade(averages []storage.DailyAverage, maxPoints int) (map[string][]dailyPoint, error) {
	series := make(map[string][]dailyPoint)
	for _, avg := range averages {
		price, err := decimal.NewFromString(avg.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("parse average price: %w", err)
		}
		series[avg.Grade] = append(series[avg.Grade], dailyPoint{day: avg.Day, avg: price, count: avg.Count})
	}

	for grade, points := range series {
		if maxPoints > 0 && len(points) > maxPoints {
			series[grade] = points[len(points)-maxPoints:]
		}
	}
	return series, nil
}

func writeAveragesCSV(path string, averages []storage.DailyAverage) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"day", "grade", "avg_price", "transactions"}); err != nil {
		return err
	}

	for _, avg := range averages {
		price, convErr := decimal.NewFromString(avg.AvgPrice)
		if convErr != nil {
			return fmt.Errorf("parse average price: %w", convErr)
		}
		record := []string{
			avg.Day.Format("2006-01-02"),
			avg.Grade,
			price.StringFixed(2),
			strconv.FormatInt(avg.Count, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeAveragesPNG(path string, itemID int64, series map[string][]dailyPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	grades := make([]string, 0, len(series))
	for grade := range series {
		grades = append(grades, grade)
	}
	sort.Strings(grades)

	chartSeries := make([]chart.Series, 0, len(grades))
	for _, grade := range grades {
		points := series[grade]
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, p := range points {
			x[i] = p.day
			y[i] = p.avg.InexactFloat64()
		}
		chartSeries = append(chartSeries, chart.TimeSeries{
			Name:    grade,
			XValues: x,
			YValues: y,
		})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("Item %d daily average price", itemID),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Avg price",
			ValueFormatter: priceFormatter,
		},
		Series: chartSeries,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
