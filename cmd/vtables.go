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
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/elfwalk/elfwalk/pkg/vtable"
)

// vtablesCmd represents the vtables command
var vtablesCmd = &cobra.Command{
	Use:     "vtables [executable] <core>",
	Short:   "histogram core memory by the C++ vtable each pointer lands in",
	Aliases: []string{"canal"},
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		patterns, _ := cmd.Flags().GetStringArray("pattern")
		showAddrs, _ := cmd.Flags().GetBool("addresses")
		findStr, _ := cmd.Flags().GetString("string")
		fromStr, _ := cmd.Flags().GetString("from")
		endStr, _ := cmd.Flags().GetString("end")
		asYaml, _ := cmd.Flags().GetBool("yaml")

		cfg, err := loadConfig(verbose)
		if err != nil {
			return err
		}
		if len(patterns) == 0 {
			patterns = cfg.Patterns
		}

		scanCfg := vtable.Config{
			Patterns:   patterns,
			FindString: findStr,
			ShowAddrs:  showAddrs,
			Sink:       cfg.Sink,
		}
		if fromStr != "" {
			min, err := strconv.ParseUint(fromStr, 0, 64)
			if err != nil {
				return &usageError{"bad -f address: " + fromStr}
			}
			scanCfg.FindRefs = true
			scanCfg.FindMin, scanCfg.FindMax = min, min
		}
		if endStr != "" {
			if !scanCfg.FindRefs {
				return &usageError{"-e requires -f"}
			}
			max, err := strconv.ParseUint(endStr, 0, 64)
			if err != nil {
				return &usageError{"bad -e address: " + endStr}
			}
			scanCfg.FindMax = max
		}

		proc, err := openTarget(args, cfg)
		if err != nil {
			return err
		}
		defer proc.Close()

		if proc.Core == nil {
			return &usageError{"vtables needs a core image, not a live pid"}
		}
		if err := proc.Load(); err != nil {
			return err
		}
		if scanCfg.FindRefs {
			cfg.Sink.Infof("finding references to addresses from %#x to %#x", scanCfg.FindMin, scanCfg.FindMax)
		}

		report, err := vtable.Scan(proc, scanCfg)
		if err != nil {
			return err
		}
		return printReport(os.Stdout, report, asYaml)
	},
}

func init() {
	vtablesCmd.Flags().BoolP("verbose", "v", false, "log discovery and scan details to stderr")
	vtablesCmd.Flags().StringArrayP("pattern", "p", nil, "glob pattern for vtable symbol names (repeatable)")
	vtablesCmd.Flags().BoolP("addresses", "s", false, "show each hit address")
	vtablesCmd.Flags().StringP("string", "S", "", "search for a literal string instead of vtable pointers")
	vtablesCmd.Flags().StringP("from", "f", "", "report words pointing into [from, end)")
	vtablesCmd.Flags().StringP("end", "e", "", "upper bound for -f")
	vtablesCmd.Flags().Bool("yaml", false, "emit the histogram as YAML")
	rootCmd.AddCommand(vtablesCmd)
}
