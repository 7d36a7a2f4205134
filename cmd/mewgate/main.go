// Copyright 2026 The Mewgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mewgate/mewgate/server"
)

var (
	version  string
	commitID string
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	bootstrapLogger := server.NewConsoleLogger(&server.LoggerConfig{Level: "info"})

	config := parseArgs(bootstrapLogger)

	multiLogger := server.NewLogger(bootstrapLogger, config)

	multiLogger.Info("Mewgate starting")
	multiLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver))
	multiLogger.Info("Data directory", zap.String("path", config.GetDataDir()))
	multiLogger.Info("Spaces configured", zap.Int("count", len(config.GetSpaces())))

	cm, err := server.NewConnectionManager(multiLogger, config)
	if err != nil {
		multiLogger.Fatal("Could not start connection manager", zap.Error(err))
	}

	router := mux.NewRouter()
	cm.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetPort()),
		Handler: router,
	}

	go func() {
		multiLogger.Info("Listening", zap.Int("port", config.GetPort()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			multiLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	multiLogger.Info("Shutting down")
	cm.Shutdown()
	httpServer.Close()
	os.Exit(0)
}

func parseArgs(consoleLogger *zap.Logger) server.Config {
	config := server.NewConfig()

	flags := flag.NewFlagSet("main", flag.ExitOnError)
	var verbose bool
	flags.BoolVar(&verbose, "verbose", false, "Turn verbose (debug) logging on.")
	var logToStdout bool
	flags.BoolVar(&logToStdout, "logtostdout", false, "Also echo the file log to stdout.")
	var configPath string
	flags.StringVar(&configPath, "config", "", "The absolute file path to configuration YAML file.")
	var name string
	flags.StringVar(&name, "name", "", "The virtual name of this gateway node.")
	var dataDir string
	flags.StringVar(&dataDir, "data-dir", "", "The data directory for envelope history and capability decisions.")
	var port int
	flags.IntVar(&port, "port", -1, "Set the port WebSocket and HTTP clients connect to.")

	if err := flags.Parse(os.Args[1:]); err != nil {
		consoleLogger.Error("Could not parse command line arguments - ignoring command-line overrides", zap.Error(err))
		return config
	}

	if configPath != "" {
		loaded, err := server.LoadConfigFile(configPath)
		if err != nil {
			consoleLogger.Error("Could not read config file, using defaults", zap.Error(err))
		} else {
			config = loaded
		}
	}

	if name != "" {
		config.Name = name
	}
	if dataDir != "" {
		config.DataDir = dataDir
	}
	if port != -1 {
		config.Port = port
	}
	if verbose {
		config.Logger.Level = "debug"
	}
	if logToStdout {
		config.Logger.Stdout = true
	}

	return config
}
