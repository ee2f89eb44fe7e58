package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/PatchLens/go-call-lens/lens"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	dataDir := flag.String("datadir", "", "Server data directory holding the content store")
	callLogPath := flag.String("calllog", "", "Call history database, defaults to <datadir>/calls.db")
	cacheMB := flag.Int("cachemb", 64, "Content cache size in megabytes")
	reportJsonFile := flag.String("json", "callreport.json", "File to output call metrics")
	reportChartsFile := flag.String("charts", "callreport.png", "File to output call overview chart image")
	historyLimit := flag.Int("limit", 10_000, "Maximum call records to aggregate")
	diffCalls := flag.String("diff", "", "Two call IDs to compare instead of aggregating, separated by a comma")
	flag.Parse()

	logPath := *callLogPath
	if logPath == "" && *dataDir != "" {
		logPath = filepath.Join(*dataDir, "calls.db")
	}
	if logPath == "" {
		log.Fatalf("%sUsage: -datadir <server data dir> or -calllog <calls.db>", lens.ErrorLogPrefix)
	}
	callLog, err := lens.NewCallLog(logPath)
	if err != nil {
		log.Fatalf("%sFailed to open call log: %v", lens.ErrorLogPrefix, err)
	}
	defer func() {
		_ = callLog.Close()
	}()
	var content lens.ContentStore
	if *dataDir != "" {
		content, err = lens.NewBadgerContentStore(filepath.Join(*dataDir, "content"), *cacheMB)
		if err != nil {
			log.Fatalf("%sFailed to open content store: %v", lens.ErrorLogPrefix, err)
		}
	} else {
		content = lens.NewMemContentStore() // previews degrade to empty without the stored payloads
	}
	defer func() {
		_ = content.Close()
	}()

	if *diffCalls != "" {
		parts := strings.SplitN(*diffCalls, ",", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Fatalf("%sExpected -diff <callID>,<callID>", lens.ErrorLogPrefix)
		}
		diffs, err := lens.CompareRecordedCalls(callLog, content, parts[0], parts[1])
		if err != nil {
			log.Fatalf("%sFailed to compare calls: %v", lens.ErrorLogPrefix, err)
		}
		if len(diffs) == 0 {
			fmt.Println("Calls match")
			return
		}
		for _, diff := range diffs {
			fmt.Println(diff)
		}
		return
	}

	summaries, err := callLog.List(lens.CallFilter{Limit: *historyLimit})
	if err != nil {
		log.Fatalf("%sFailed to list calls: %v", lens.ErrorLogPrefix, err)
	}
	callStats, err := callLog.Stats()
	if err != nil {
		log.Fatalf("%sFailed to read call stats: %v", lens.ErrorLogPrefix, err)
	}
	actionCounts, err := callLog.ActionCounts()
	if err != nil {
		log.Fatalf("%sFailed to read directive counts: %v", lens.ErrorLogPrefix, err)
	}
	contentStats, err := content.Stats()
	if err != nil {
		log.Fatalf("%sFailed to read content stats: %v", lens.ErrorLogPrefix, err)
	}
	report := lens.BuildReportMetrics(summaries, callStats, actionCounts, contentStats, 0)
	if err := lens.AttachExceptionSamples(report.Functions, callLog, content); err != nil {
		log.Printf("%sFailed to decode exception samples: %v", lens.ErrorLogPrefix, err)
	}

	if err := lens.WriteReportJSON(*reportJsonFile, report); err != nil {
		log.Fatalf("%sFailed to write report file: %v", lens.ErrorLogPrefix, err)
	}
	if err := lens.WriteReportCharts(*reportChartsFile, report); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", lens.ErrorLogPrefix, err)
	}
	log.Println("Report files wrote: " + *reportJsonFile + ", " + *reportChartsFile)
}
