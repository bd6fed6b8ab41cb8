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

	"github.com/spf13/cobra"

	"github.com/elfwalk/elfwalk/pkg/unwind"
)

// stacktraceCmd represents the stacktrace command
var stacktraceCmd = &cobra.Command{
	Use:     "stacktrace [executable] <core|pid>",
	Short:   "print each thread's call stack in symbolic form",
	Aliases: []string{"bt", "stack"},
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		showAddrs, _ := cmd.Flags().GetBool("addresses")

		cfg, err := loadConfig(verbose)
		if err != nil {
			return err
		}

		proc, err := openTarget(args, cfg)
		if err != nil {
			return err
		}
		defer proc.Close()

		if err := proc.Load(); err != nil {
			return err
		}
		threads, err := proc.Threads()
		if err != nil {
			return err
		}

		for _, thread := range threads {
			printStack(os.Stdout, thread.ID, unwind.New(thread), showAddrs)
		}
		return nil
	},
}

func init() {
	stacktraceCmd.Flags().BoolP("verbose", "v", false, "log discovery and parse details to stderr")
	stacktraceCmd.Flags().BoolP("addresses", "s", false, "show raw frame addresses")
	rootCmd.AddCommand(stacktraceCmd)
}
