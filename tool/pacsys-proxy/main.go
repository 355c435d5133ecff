/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command pacsys-proxy runs the supervised control-network proxy: a
// gRPC front for an upstream backend with policy enforcement and audit
// logging, configured from a YAML file.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fermi-controls/pacsys/lib/config"
)

var log = logrus.WithFields(logrus.Fields{"component": "pacsys-proxy"})

// cliConf holds the parsed command line.
type cliConf struct {
	Debug      bool
	ConfigPath string
	Listen     string
}

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		if trace.IsBadParameter(err) || trace.IsConnectionProblem(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// Run parses the command line and dispatches. Errors bubble up to main
// for exit-code classification.
func Run(args []string) error {
	var cf cliConf
	logrus.SetLevel(logrus.InfoLevel)

	app := kingpin.New("pacsys-proxy", "Supervised proxy for the accelerator control network.")
	app.Flag("debug", "Verbose logging to stdout").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Path to the proxy YAML configuration").Short('c').Required().StringVar(&cf.ConfigPath)

	startCmd := app.Command("start", "Start the proxy and serve until interrupted.")
	startCmd.Flag("listen", "Override the configured bind address (host:port)").StringVar(&cf.Listen)

	checkCmd := app.Command("check", "Validate the configuration file and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	if cf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	fileConfig, err := config.ReadFile(cf.ConfigPath)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(fileConfig, &cf))
	case checkCmd.FullCommand():
		fmt.Printf("configuration %v is valid\n", cf.ConfigPath)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

// onStart builds the server from the file configuration and serves
// until SIGINT or SIGTERM.
func onStart(fileConfig *config.FileConfig, cf *cliConf) error {
	if cf.Listen != "" {
		host, port, err := splitListenAddr(cf.Listen)
		if err != nil {
			return trace.Wrap(err)
		}
		fileConfig.BindAddress = host
		fileConfig.Port = port
	}

	server, err := fileConfig.BuildServer()
	if err != nil {
		return trace.Wrap(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		log.Infof("Received %v, shutting down.", sig)
		if err := server.Close(); err != nil {
			log.WithError(err).Warn("Failed to shut down cleanly.")
		}
		// Serve returns once GracefulStop drains in-flight RPCs.
		return trace.Wrap(<-errCh)
	case err := <-errCh:
		server.Close()
		return trace.Wrap(err)
	}
}

// splitListenAddr parses a host:port override. The host may be empty
// to bind all interfaces.
func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, trace.BadParameter("invalid listen address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, trace.BadParameter("invalid listen port %q", portStr)
	}
	return host, port, nil
}
