/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

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
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/elfwalk/elfwalk/pkg/config"
	"github.com/elfwalk/elfwalk/pkg/logsink"
	"github.com/elfwalk/elfwalk/pkg/process"
)

// exit codes: 0 success, 1 parse or attach failure, 2 usage error
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var rootCmd = &cobra.Command{
	Use:   "elfwalk",
	Short: "inspect stacks and heap objects of processes and cores",
	Long: `elfwalk decodes, per thread, the call stack of a running process or a
core image into symbolic form, and can scan a core's memory for
pointers into C++ vtables to approximate live-object counts per class.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, translating errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "elfwalk: %v\n", err)
		if isUsageError(err) {
			os.Exit(exitUsage)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func isUsageError(err error) bool {
	_, ok := err.(*usageError)
	return ok
}

// loadConfig merges the config file/env with the per-command verbose
// flag.
func loadConfig(verbose bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
		cfg.Sink = logsink.NewWriter(os.Stderr)
	}
	return cfg, nil
}

// openTarget interprets positional [executable] <core|pid> the way the
// classic tools do: a numeric final argument attaches to a live
// process, anything else opens a core file.
func openTarget(args []string, cfg *config.Config) (*process.Process, error) {
	var execPath, target string
	switch len(args) {
	case 1:
		target = args[0]
	case 2:
		execPath, target = args[0], args[1]
	default:
		return nil, &usageError{"expected [executable] <core|pid>"}
	}

	if pid, err := strconv.Atoi(target); err == nil {
		if execPath != "" {
			return nil, &usageError{"an executable argument only makes sense with a core"}
		}
		return process.AttachLive(pid, cfg.Sink)
	}
	return process.OpenCore(target, execPath, cfg.Sink)
}
