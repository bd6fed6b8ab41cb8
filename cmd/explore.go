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
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/process"
	"github.com/elfwalk/elfwalk/pkg/unwind"
)

const explorePrompt = "elfwalk> "

// exploreCmd represents the explore command
var exploreCmd = &cobra.Command{
	Use:   "explore [executable] <core|pid>",
	Short: "browse threads, frames and symbols interactively",
	Long: `explore opens a read-only prompt over the target: it never writes
the tracee's registers or memory, it only walks what stacktrace and
vtables walk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

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

		newExploreSession(proc).start()
		return nil
	},
}

func init() {
	exploreCmd.Flags().BoolP("verbose", "v", false, "log discovery details to stderr")
	rootCmd.AddCommand(exploreCmd)
}

var exploreCommands = []string{"threads", "frames", "sym", "objects", "help", "exit"}

// exploreSession is the interactive browser state.
type exploreSession struct {
	proc  *process.Process
	liner *liner.State
	last  string
}

func newExploreSession(proc *process.Process) *exploreSession {
	return &exploreSession{
		proc:  proc,
		liner: liner.NewLiner(),
	}
}

func (s *exploreSession) start() {
	defer s.liner.Close()

	s.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range exploreCommands {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	})
	s.liner.SetTabCompletionStyle(liner.TabPrints)

	for {
		txt, err := s.liner.Prompt(explorePrompt)
		if err != nil {
			return
		}

		txt = strings.TrimSpace(txt)
		if len(txt) != 0 {
			s.last = txt
			s.liner.AppendHistory(txt)
		} else {
			txt = s.last
		}

		fields := strings.Fields(txt)
		if len(fields) == 0 {
			continue
		}
		if !s.dispatch(fields[0], fields[1:]) {
			return
		}
	}
}

// dispatch runs one command; returning false ends the session.
func (s *exploreSession) dispatch(cmd string, args []string) bool {
	switch cmd {
	case "exit", "quit", "q":
		return false

	case "help", "h":
		fmt.Println("threads              list thread ids")
		fmt.Println("frames <tid>         print one thread's stack")
		fmt.Println("sym <addr>           resolve an address to a symbol")
		fmt.Println("objects              list loaded objects")
		fmt.Println("exit                 leave")

	case "threads":
		threads, err := s.proc.Threads()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		for _, t := range threads {
			fmt.Printf("thread %d pc=%#x sp=%#x\n", t.ID, t.Regs.PC(), t.Regs.SP())
		}

	case "frames":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: frames <tid>")
			break
		}
		tid, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad tid %q\n", args[0])
			break
		}
		threads, err := s.proc.Threads()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		for _, t := range threads {
			if t.ID == tid {
				printStack(os.Stdout, t.ID, unwind.New(t), true)
				return true
			}
		}
		fmt.Fprintf(os.Stderr, "no thread %d\n", tid)

	case "sym":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: sym <addr>")
			break
		}
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad address %q\n", args[0])
			break
		}
		lo := s.proc.ObjectForPC(addr)
		if lo == nil {
			fmt.Printf("%#x: not in any loaded object\n", addr)
			break
		}
		sym, ok := lo.Object.FindSymbolByAddress(addr-lo.Reloc, elf.AnyType)
		if !ok {
			fmt.Printf("%#x: %s, no covering symbol\n", addr, lo.Path)
			break
		}
		fmt.Printf("%#x: %s + %#x in %s\n", addr, sym.Name, addr-lo.Reloc-sym.Value, lo.Path)

	case "objects":
		for _, lo := range s.proc.Objects {
			fmt.Println(lo)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, try help\n", cmd)
	}
	return true
}
