package cmd

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/PatchLens/go-call-lens/lens"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// Config carries the parsed server daemon settings.
type Config struct {
	Host            string
	Port            int
	DataDir         string // empty keeps payloads and history in memory
	CallLogPath     string
	CacheMB         int
	BreakpointsFile string
	LogFile         string
	LongPollMS      int
	PruneAfterMin   int
	CustomFlags     map[string]string
}

// ParseFlags builds Config from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*Config, error) {
	config := &Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	host := flag.String("host", "127.0.0.1", "Address to bind the debug server to")
	port := flag.Int("port", lens.DefaultServerPort, "Port to bind the debug server to")
	dataDir := flag.String("datadir", "", "Directory for persistent payload and call history storage, empty keeps everything in memory")
	callLogPath := flag.String("calllog", "", "Path of the call history database, defaults to <datadir>/calls.db")
	cacheMB := flag.Int("cachemb", 200, "Cache memory budget in MB")
	breakpointsFile := flag.String("breakpoints", "", "TOML file with breakpoint presets, watched for changes")
	logFile := flag.String("logfile", "", "File to tee server logs into")
	longPollMS := flag.Int("longpollms", 25_000, "Milliseconds a blocked response may hold before returning a poll token")
	pruneAfterMin := flag.Int("pruneminutes", 15, "Prune paused calls nobody polled for this many minutes")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *port < 1 || *port > 65535 {
		return nil, fmt.Errorf("port %d out of range", *port)
	} else if *cacheMB < 8 {
		return nil, fmt.Errorf("cachemb %d too small, 8MB minimum", *cacheMB)
	} else if *longPollMS <= 0 || *pruneAfterMin <= 0 {
		return nil, errors.New("longpollms and pruneminutes must be positive")
	}

	// Populate config
	config.Host = *host
	config.Port = *port
	config.DataDir = *dataDir
	config.CallLogPath = *callLogPath
	config.CacheMB = *cacheMB
	config.BreakpointsFile = *breakpointsFile
	config.LogFile = *logFile
	config.LongPollMS = *longPollMS
	config.PruneAfterMin = *pruneAfterMin

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}

// OpenStores opens the persistent stores for config and assembles the server
// configuration. Without a data directory the returned configuration leaves
// the stores nil so the server falls back to its in-memory defaults. The
// returned close function releases whatever was opened, run it after
// Server.Stop.
func OpenStores(config *Config) (lens.ServerConfig, func() error, error) {
	serverCfg := lens.ServerConfig{
		Host:        config.Host,
		Port:        config.Port,
		LongPollMax: time.Duration(config.LongPollMS) * time.Millisecond,
		PruneAfter:  time.Duration(config.PruneAfterMin) * time.Minute,
	}
	var closers []func() error
	closeAll := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i]())
		}
		return err
	}

	if config.DataDir != "" {
		store, err := lens.NewBadgerContentStore(filepath.Join(config.DataDir, "content"), config.CacheMB)
		if err != nil {
			return serverCfg, nil, err
		}
		cached, err := lens.NewCachedContentStore(store, max(config.CacheMB/4, 8))
		if err != nil {
			_ = store.Close()
			return serverCfg, nil, err
		}
		serverCfg.Content = cached
		closers = append(closers, cached.Close) // closes the wrapped store too
	}

	callLogPath := config.CallLogPath
	if callLogPath == "" && config.DataDir != "" {
		callLogPath = filepath.Join(config.DataDir, "calls.db")
	}
	if callLogPath != "" {
		callLog, err := lens.NewCallLog(callLogPath)
		if err != nil {
			_ = closeAll()
			return serverCfg, nil, err
		}
		serverCfg.Calls = callLog
		closers = append(closers, callLog.Close)
	}

	return serverCfg, closeAll, nil
}
