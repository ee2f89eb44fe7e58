package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PatchLens/go-call-lens/lens"
	"github.com/PatchLens/go-call-lens/lens/cmd"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	config, err := cmd.ParseFlags(nil) // No custom flags for the standard daemon
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	if config.LogFile != "" {
		logFile, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("%sFailed to open log file: %v", lens.ErrorLogPrefix, err)
		}
		defer logFile.Close()
		log.SetOutput(lens.TeeWriter(os.Stderr, logFile))
	}

	serverCfg, closeStores, err := cmd.OpenStores(config)
	if err != nil {
		log.Fatalf("%sFailed to open stores: %v", lens.ErrorLogPrefix, err)
	}

	server, err := lens.StartServer(serverCfg)
	if err != nil {
		_ = closeStores()
		log.Fatalf("%sFailed to start server: %v", lens.ErrorLogPrefix, err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if config.BreakpointsFile != "" {
		if err := lens.WatchPresets(watchCtx, config.BreakpointsFile, server.Pauses(), server.Registry()); err != nil {
			log.Printf("%sBreakpoint preset watch failed: %v", lens.ErrorLogPrefix, err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down call lens server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("%sServer shutdown: %v", lens.ErrorLogPrefix, err)
	}
	if err := closeStores(); err != nil {
		log.Printf("%sStore close: %v", lens.ErrorLogPrefix, err)
	}
}
