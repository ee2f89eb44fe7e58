package lens

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
)

const bottomTableMaxRecords = 10

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains session call and content metrics.
type ReportMetrics struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	WindowStartNano int64            `json:"window_start_nano,omitempty"`
	WindowEndNano   int64            `json:"window_end_nano,omitempty"`
	Calls           CallMetrics      `json:"calls"`
	Content         ContentMetrics   `json:"content"`
	PausedCount     int              `json:"paused_count"`
	Functions       []FunctionDetail `json:"functions"`
}

// CallMetrics summarizes recorded call statistics.
type CallMetrics struct {
	TotalCalls        int              `json:"total_calls"`
	SuccessCount      int              `json:"success_count"`
	ExceptionCount    int              `json:"exception_count"`
	PendingCount      int              `json:"pending_count"`
	DistinctFunctions int              `json:"distinct_function_count"`
	DirectiveCount    int64            `json:"directive_count"`
	DirectiveTypes    map[string]int64 `json:"directive_types,omitempty"`
}

// ContentMetrics summarizes payload store statistics.
type ContentMetrics struct {
	StoredItems   int64   `json:"stored_items"`
	StoredBytes   int64   `json:"stored_bytes"`
	PutCount      int64   `json:"put_count"`
	DuplicatePuts int64   `json:"duplicate_puts"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	DedupPercent  float64 `json:"dedup_percent"`
}

// FunctionDetail summarizes the recorded activity of one function.
type FunctionDetail struct {
	Name              string         `json:"name"`
	CallType          string         `json:"call_type,omitempty"`
	CallCount         int            `json:"call_count"`
	SuccessCount      int            `json:"success_count"`
	ExceptionCount    int            `json:"exception_count"`
	PendingCount      int            `json:"pending_count"`
	AvgDurationMillis int64          `json:"avg_duration_ms"`
	P95DurationMillis int64          `json:"p95_duration_ms"`
	MaxDurationMillis int64          `json:"max_duration_ms"`
	LastCallNano      int64          `json:"last_call_nano"`
	ExceptionTypes    map[string]int `json:"exception_types,omitempty"`
	LastExceptionID   string         `json:"last_exception_call_id,omitempty"`
	LastException     string         `json:"last_exception,omitempty"`
	ExceptionArgs     []string       `json:"exception_args,omitempty"` // argument previews from the most recent exception
}

// ReportMap represents a report as an extensible map structure.
// Custom implementations can add additional fields before writing to JSON.
type ReportMap map[string]interface{}

// PrepareReportData aggregates raw call history into per-function details and
// the top level call counters, functions with the most exceptions first.
func PrepareReportData(summaries []CallSummary) ([]FunctionDetail, CallMetrics) {
	byName := bulk.SliceToGroupsBy(func(c CallSummary) string {
		return c.Name
	}, summaries)
	names := bulk.MapKeysSlice(byName)
	slices.Sort(names) // stable aggregation order before ranking

	metrics := CallMetrics{
		TotalCalls:        len(summaries),
		DistinctFunctions: len(names),
	}
	details := make([]FunctionDetail, 0, len(names))
	for _, name := range names {
		group := byName[name]
		detail := FunctionDetail{
			Name:      name,
			CallType:  group[0].CallType,
			CallCount: len(group),
		}
		var totalDurationNano int64
		var timedNano []int64
		var lastExc CallSummary
		var excTypes []string
		for _, c := range group {
			switch c.Status {
			case CallStatusSuccess:
				detail.SuccessCount++
			case CallStatusException:
				detail.ExceptionCount++
				if c.ExceptionType != "" {
					excTypes = append(excTypes, c.ExceptionType)
				}
				if c.StartedNano >= lastExc.StartedNano {
					lastExc = c
				}
			default:
				detail.PendingCount++
			}
			if c.DurationNano > 0 {
				totalDurationNano += c.DurationNano
				timedNano = append(timedNano, c.DurationNano)
				detail.MaxDurationMillis = max(detail.MaxDurationMillis, c.DurationNano/int64(time.Millisecond))
			}
			detail.LastCallNano = max(detail.LastCallNano, c.StartedNano)
		}
		if len(timedNano) > 0 {
			detail.AvgDurationMillis = totalDurationNano / int64(len(timedNano)) / int64(time.Millisecond)
			detail.P95DurationMillis = p95Millis(timedNano)
		}
		if len(excTypes) > 0 {
			detail.ExceptionTypes = bulk.SliceToCounts(excTypes)
		}
		if lastExc.CallID != "" {
			detail.LastExceptionID = lastExc.CallID
			detail.LastException = exceptionLabel(lastExc.ExceptionType, lastExc.ExceptionMessage)
		}
		metrics.SuccessCount += detail.SuccessCount
		metrics.ExceptionCount += detail.ExceptionCount
		metrics.PendingCount += detail.PendingCount
		details = append(details, detail)
	}

	slices.SortFunc(details, func(a, b FunctionDetail) int {
		if a.ExceptionCount != b.ExceptionCount { // most exceptions first
			return b.ExceptionCount - a.ExceptionCount
		} else if a.CallCount != b.CallCount { // then by call volume
			return b.CallCount - a.CallCount
		}
		return strings.Compare(a.Name, b.Name)
	})
	return details, metrics
}

func exceptionLabel(excType, excMsg string) string {
	if excType == "" {
		return excMsg
	} else if excMsg == "" {
		return excType
	}
	return excType + ": " + excMsg
}

func p95Millis(durationsNano []int64) int64 {
	slices.Sort(durationsNano)
	idx := (len(durationsNano)*95+99)/100 - 1 // ceil(0.95 * n) - 1
	return durationsNano[max(idx, 0)] / int64(time.Millisecond)
}

// BuildReportMetrics assembles the full report from call history and the
// server counters.
func BuildReportMetrics(summaries []CallSummary, callStats CallLogStats, actionCounts map[string]int64,
	contentStats ContentStats, pausedCount int) ReportMetrics {
	functions, callMetrics := PrepareReportData(summaries)
	callMetrics.DirectiveCount = callStats.Actions
	if len(actionCounts) > 0 {
		callMetrics.DirectiveTypes = actionCounts
	}

	report := ReportMetrics{
		GeneratedAt: time.Now(),
		Calls:       callMetrics,
		Content:     contentMetricsFrom(contentStats),
		PausedCount: pausedCount,
		Functions:   functions,
	}
	for _, c := range summaries {
		if report.WindowStartNano == 0 || c.StartedNano < report.WindowStartNano {
			report.WindowStartNano = c.StartedNano
		}
		report.WindowEndNano = max(report.WindowEndNano, c.StartedNano, c.CompletedNano)
	}
	return report
}

func contentMetricsFrom(stats ContentStats) ContentMetrics {
	metrics := ContentMetrics{
		StoredItems:   stats.Items,
		StoredBytes:   stats.StoredBytes,
		PutCount:      stats.Puts,
		DuplicatePuts: stats.DupPuts,
		HitCount:      stats.Hits,
		MissCount:     stats.Misses,
	}
	if attempts := stats.Puts + stats.DupPuts; attempts > 0 {
		metrics.DedupPercent = 100.0 * float64(stats.DupPuts) / float64(attempts)
	}
	return metrics
}

// AttachExceptionSamples loads argument previews for each function's most
// recent exception from the call log and content store. Functions without
// exceptions are left untouched.
func AttachExceptionSamples(functions []FunctionDetail, callLog CallLog, content ContentStore) error {
	errGroup := ErrGroupLimitCPU()
	for i := range functions {
		if functions[i].LastExceptionID == "" {
			continue
		}
		errGroup.Go(func() error {
			rec, _, err := callLog.Get(functions[i].LastExceptionID)
			if err != nil {
				return fmt.Errorf("load call %s failed: %w", functions[i].LastExceptionID, err)
			}
			previews := make([]string, len(rec.ArgCIDs))
			for j, cid := range rec.ArgCIDs {
				if node, err := decodeStoredValue(content, cid); err != nil {
					previews[j] = "<content unavailable>"
				} else {
					previews[j] = ValuePreview(node, previewMaxLen)
				}
			}
			functions[i].ExceptionArgs = previews
			return nil
		})
	}
	return errGroup.Wait()
}

// BuildReportMap creates the report as a ReportMap that can be extended
// by custom implementations before writing to JSON.
func BuildReportMap(report ReportMetrics) (ReportMap, error) {
	// Convert struct to map for extensibility
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report to bytes failed: %w", err)
	}

	var reportMap ReportMap
	if err := json.Unmarshal(reportBytes, &reportMap); err != nil {
		return nil, fmt.Errorf("unmarshal report to map failed: %w", err)
	}

	return reportMap, nil
}

// WriteToFile writes the report map to a JSON file.
// This method allows custom implementations to write extended reports.
func (rm ReportMap) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(rm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report map failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// WriteReportJSON writes the report to a JSON file.
func WriteReportJSON(path string, report ReportMetrics) error {
	reportMap, err := BuildReportMap(report)
	if err != nil {
		return err
	}

	return reportMap.WriteToFile(path)
}

// RenderReportCharts renders the report to a png.
func RenderReportCharts(report ReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderReportCharts(painterOpt, report)
}

// WriteReportCharts renders the report to the chart file type given by the
// path extension, one of .png, .jpg or .svg.
func WriteReportCharts(path string, report ReportMetrics) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
	}
	if buf, err := renderReportCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a smaller painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	var title string
	var titleBox charts.Box
	var titleBottom int
	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	if report.Calls.TotalCalls > 0 {
		start := time.Unix(0, report.WindowStartNano)
		end := time.Unix(0, report.WindowEndNano)
		title = "Calls " + start.Format("2006-01-02 15:04:05") + " -> " + end.Format("2006-01-02 15:04:05")
		titleBox = p.MeasureText(title, 0, titleFont)
		// title rendered after the charts to ensure it does not get clipped
		titleBottom = titleBox.Height()
		resultBox.Bottom += titleBottom
	}

	// Use layout builder API to create painters for each chart
	const middleUpShift = "-40" // overlap amount between rows
	layoutBuilder := p.LayoutByRows()
	if titleBottom > 0 {
		layoutBuilder = layoutBuilder.RowGap(strconv.Itoa(titleBottom))
	}
	painters, err := layoutBuilder.
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Height("112").RowOffset(middleUpShift).Columns("down1Left", "down1Right").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	down1Left := painters["down1Left"]
	down1Right := painters["down1Right"]
	bottom := painters["bottom"]

	barGaugeThemeGreenRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	barGaugeThemeGreenYellowRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
			charts.ColorRed,
		})

	calls := report.Calls
	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(calls.SuccessCount)}, {float64(calls.PendingCount)}, {float64(calls.ExceptionCount)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeThemeGreenYellowRed
	topLeftOpt.Title.Text = "Call Outcomes"
	topLeftOpt.XAxis.Unit = axisUnitForMax(calls.TotalCalls)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[2].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[2].Label.FontStyle.FontColor = firstValueSeriesRankColor(topLeftOpt.Theme, topLeftOpt.SeriesList)
	topLeftOpt.SeriesList[2].Label.ValueFormatter = func(exceptions float64) string {
		if calls.TotalCalls == 0 {
			return "No calls recorded"
		}
		percent := 100.0 * float64(calls.SuccessCount) / float64(calls.TotalCalls)
		if exceptions > 0 && percent > 99.9 {
			percent = 99.9 // ensure we don't show 100% when there were some exceptions
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}
	// subtext is added after due to a desire for custom formatting
	topLeft.Text("(Success rate across recorded calls)", 210, 37, 0, charts.FontStyle{
		FontSize:  8,
		FontColor: topLeftOpt.Theme.GetTitleTextColor(),
		Font:      charts.GetDefaultFont(),
	})

	content := report.Content
	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(content.DuplicatePuts)}, // payload uploads the cache absorbed
		{float64(content.PutCount)},      // payloads that had to be stored fresh
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeThemeGreenYellowRed
	topRightOpt.Title.Text = "Payload Deduplication"
	topRightOpt.XAxis.Unit = axisUnitForMax(int(content.PutCount + content.DuplicatePuts))
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topRightOpt.Theme, topRightOpt.SeriesList)
	topRightOpt.SeriesList[1].Label.ValueFormatter = func(fresh float64) string {
		total := float64(content.PutCount + content.DuplicatePuts)
		if total == 0 {
			return "No payloads stored"
		}
		return charts.FormatValueHumanize(100.0*(total-fresh)/total, 1, false) + "%"
	}
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	down1LeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(content.HitCount)}, {float64(content.MissCount)},
	})
	down1LeftOpt.StackSeries = charts.Ptr(true)
	down1LeftOpt.Theme = barGaugeThemeGreenRed
	down1LeftOpt.Title.Text = "Content Hit Rate"
	down1LeftOpt.XAxis.Show = charts.Ptr(false) // absolute number is fairly arbitrary
	down1LeftOpt.YAxis.Show = charts.Ptr(false)
	down1LeftOpt.BarHeight = 22
	down1LeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	down1LeftOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(down1LeftOpt.Theme, down1LeftOpt.SeriesList)
	down1LeftOpt.SeriesList[1].Label.ValueFormatter = func(misses float64) string {
		hits := float64(content.HitCount)
		if hits+misses == 0 {
			return "No reads recorded"
		}
		percent := 100.0 * hits / (hits + misses)
		if misses > 0 && percent > 99.9 {
			percent = 99.9 // ensure we don't show 100% when there were some misses
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := down1Left.HorizontalBarChart(down1LeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	completed := calls.TotalCalls - calls.PendingCount
	down1RightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(completed)}, {float64(calls.PendingCount)},
	})
	down1RightOpt.StackSeries = charts.Ptr(true)
	down1RightOpt.Theme = barGaugeThemeGreenYellowRed
	down1RightOpt.Title.Text = "Calls Completed"
	down1RightOpt.XAxis.Show = charts.Ptr(false) // absolute number is fairly arbitrary
	down1RightOpt.YAxis.Show = charts.Ptr(false)
	down1RightOpt.BarHeight = down1LeftOpt.BarHeight
	down1RightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	down1RightOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(down1RightOpt.Theme, down1RightOpt.SeriesList)
	down1RightOpt.SeriesList[1].Label.ValueFormatter = func(pending float64) string {
		total := float64(calls.TotalCalls)
		if total == 0 {
			return "No calls recorded"
		}
		percent := 100.0 * (total - pending) / total
		if pending > 0 && percent > 99.9 {
			percent = 99.9 // ensure we don't show 100% when there were still pending calls
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := down1Right.HorizontalBarChart(down1RightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(down1Left.Height(), down1Right.Height())

	var failingFunctions [][]string
	for _, detail := range report.Functions { // already ranked most exceptions first
		if detail.ExceptionCount == 0 {
			continue
		}
		lastExc := detail.LastException
		if len(lastExc) > 66 {
			lastExc = lastExc[:64] + ".."
		}
		failingFunctions = append(failingFunctions, []string{
			detail.Name,
			strconv.Itoa(detail.CallCount),
			strconv.Itoa(detail.ExceptionCount),
			lastExc,
		})
	}
	if len(failingFunctions) == 0 {
		text := "No Exceptions Recorded"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		if len(failingFunctions) > bottomTableMaxRecords {
			failingFunctions = failingFunctions[:bottomTableMaxRecords]
		}
		tableTitle := "Functions With Exceptions"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeThemeGreenRed.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(failingFunctions)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"Function", "Calls", "Exceptions", "Last Exception"},
			Data:                  failingFunctions,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{24, 6, 8, 30},
			TextAligns:            []string{charts.AlignLeft, charts.AlignCenter, charts.AlignCenter, charts.AlignLeft},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

				switch cell.Column {
				case 2: // exception count
					if cell.Text != "0" {
						if len(cell.Text) < 2 { // less than 10
							cell.FontStyle.FontColor = orangeTextColor
						} else {
							cell.FontStyle.FontColor = redTextColor
						}
					} else {
						cell.FontStyle.FontColor = greenTextColor
					}
				case 3: // last exception
					cell.FontStyle.FontSize = 8
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render just so we can calculate the height of the table, currently charts does not return the table sizes
		bottomOpt.Width = bottom.Width()
		if p, _ := charts.TableOptionRenderDirect(bottomOpt); p != nil {
			resultBox.Bottom += tableTitleBox.Height() + p.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	// render the final chart extras
	if title != "" {
		p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	}
	return resultBox, nil
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}

// CompareValuePreviews provides a simple human-readable diff explanation of two
// recorded value previews. If the previews are identical an empty string will
// be returned. Previews of oversized values carry only a content hash, so
// those compare by hash suffix.
func CompareValuePreviews(v1, v2 string) string {
	if v1 == v2 {
		return ""
	}
	v1Hashed := strings.HasPrefix(v1, HashValuePrefix)
	v2Hashed := strings.HasPrefix(v2, HashValuePrefix)
	if v1Hashed && v2Hashed {
		var v1Suffix, v2Suffix string
		if len(v1) >= 4 {
			v1Suffix = v1[len(v1)-4:]
		}
		if len(v2) >= 4 {
			v2Suffix = v2[len(v2)-4:]
		}
		return fmt.Sprintf("<VALUE TOO LARGE ...%s> != <VALUE TOO LARGE ...%s>", v1Suffix, v2Suffix)
	} else if v1Hashed {
		var v1Suffix string
		if len(v1) >= 4 {
			v1Suffix = v1[len(v1)-4:]
		}
		return fmt.Sprintf("<VALUE TOO LARGE ...%s> != %q", v1Suffix, v2)
	} else if v2Hashed {
		var v2Suffix string
		if len(v2) >= 4 {
			v2Suffix = v2[len(v2)-4:]
		}
		return fmt.Sprintf("%q != <VALUE TOO LARGE ...%s>", v1, v2Suffix)
	}
	// else, build a unified diff of the raw values
	diff := difflib.UnifiedDiff{
		A:       difflib.SplitLines(v1),
		B:       difflib.SplitLines(v2),
		Context: 2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil && text != "" {
		return text
	} else { // fallback to basic format if unexpected diff error
		return fmt.Sprintf("\t'%v'\n!=\n\t'%v'", v1, v2)
	}
}

// loadCallPreviews assembles the full view of one recorded call, decoding
// previews for whatever payloads the content store still holds.
func loadCallPreviews(callLog CallLog, content ContentStore, callID string) (*CallsGetResponse, error) {
	rec, _, err := callLog.Get(callID)
	if err != nil {
		return nil, err
	}
	resp := &CallsGetResponse{
		Call:          rec.Summary(),
		Signature:     rec.Signature,
		TargetPreview: previewStored(content, rec.TargetCID),
		ResultPreview: previewStored(content, rec.ResultCID),
		Stack:         rec.Stack,
	}
	if len(rec.ArgCIDs) > 0 {
		resp.ArgPreviews = make([]string, len(rec.ArgCIDs))
		for i, cid := range rec.ArgCIDs {
			resp.ArgPreviews[i] = previewStored(content, cid)
		}
	}
	return resp, nil
}

// CompareRecordedCalls loads two recorded calls and summarizes how their
// inputs and outcomes differ.
func CompareRecordedCalls(callLog CallLog, content ContentStore, callIDA, callIDB string) ([]string, error) {
	a, err := loadCallPreviews(callLog, content, callIDA)
	if err != nil {
		return nil, fmt.Errorf("load call %s failed: %w", callIDA, err)
	}
	b, err := loadCallPreviews(callLog, content, callIDB)
	if err != nil {
		return nil, fmt.Errorf("load call %s failed: %w", callIDB, err)
	}
	return CompareCalls(a, b), nil
}

// CompareCalls lists the differences between two recorded calls, matching
// arguments by position. Each entry is prefixed with what changed.
func CompareCalls(a, b *CallsGetResponse) []string {
	var diffs []string
	if d := CompareValuePreviews(a.TargetPreview, b.TargetPreview); d != "" {
		diffs = append(diffs, "target: "+d)
	}
	for i := range max(len(a.ArgPreviews), len(b.ArgPreviews)) {
		var av, bv string
		if i < len(a.ArgPreviews) {
			av = a.ArgPreviews[i]
		}
		if i < len(b.ArgPreviews) {
			bv = b.ArgPreviews[i]
		}
		if d := CompareValuePreviews(av, bv); d != "" {
			diffs = append(diffs, "args["+strconv.Itoa(i)+"]: "+d)
		}
	}
	if d := CompareValuePreviews(a.ResultPreview, b.ResultPreview); d != "" {
		diffs = append(diffs, "result: "+d)
	}
	aExc := exceptionLabel(a.Call.ExceptionType, a.Call.ExceptionMessage)
	bExc := exceptionLabel(b.Call.ExceptionType, b.Call.ExceptionMessage)
	if d := CompareValuePreviews(aExc, bExc); d != "" {
		diffs = append(diffs, "exception: "+d)
	}
	return diffs
}
