// Command anastasis-cli is a line-oriented shell around the reducer,
// grounded on src/cli/anastasis-cli-redux.c: that tool took -b/-r to
// pick a mode, -a ACTION plus an arguments JSON via -i (or stdin), -s
// a previous state via -i, and wrote the resulting state to -o (or
// stdout). This rework keeps the same one-action-in, one-state-out
// shape but as a cobra command tree instead of getopt flags, and adds
// an interactive loop for driving several actions in one process
// without re-reading the state file each time.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/countries"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/reducer"
	"github.com/anastasis-go/anastasis/internal/validation"
)

var (
	modeFlag            string
	stateInPath         string
	stateOutPath        string
	actionFlag          string
	argsFlag            string
	externalReducerFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "anastasis-cli",
		Short: "drive the Anastasis backup/recovery reducer from the command line",
	}
	root.PersistentFlags().StringVar(&modeFlag, "mode", "backup", "reducer mode: backup or recovery")
	root.PersistentFlags().StringVar(&externalReducerFlag, "external-reducer", os.Getenv("ANASTASIS_EXTERNAL_REDUCER"), "shell out to this binary instead of the built-in reducer")

	root.AddCommand(initCmd(), actionCmd(), shellCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseMode(s string) (reducer.Mode, error) {
	switch s {
	case "backup":
		return reducer.ModeBackup, nil
	case "recovery":
		return reducer.ModeRecovery, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want backup or recovery)", s)
	}
}

// initCmd prints the initial state for the selected mode: just the
// state tag, CONTINENT_SELECTING for both sequences (spec §4.I).
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "print the initial reducer state for --mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeFlag)
			if err != nil {
				return err
			}
			return writeState(cmd.OutOrStdout(), initialState(mode))
		},
	}
}

// actionCmd implements the one-shot -a/-i/-o mode of the original
// tool: one action applied to one state, read from and written to
// files (or stdin/stdout when unset).
func actionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "apply a single action to a state and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeFlag)
			if err != nil {
				return err
			}
			if actionFlag == "" {
				return fmt.Errorf("--action is required")
			}
			state, err := readState(stateInPath)
			if err != nil {
				return err
			}
			argMap, err := parseArgs(argsFlag)
			if err != nil {
				return err
			}

			sess, cleanup, err := newSession()
			if err != nil {
				return err
			}
			defer cleanup()

			disp := reducer.New(externalReducerFlag)
			newState, derr := disp.Dispatch(context.Background(), sess, mode, state, actionFlag, argMap)
			if derr != nil {
				enc := json.NewEncoder(os.Stderr)
				enc.SetIndent("", "  ")
				_ = enc.Encode(derr)
				os.Exit(2)
			}
			return writeStateTo(stateOutPath, newState)
		},
	}
	cmd.Flags().StringVarP(&stateInPath, "state", "i", "", "path to the input state JSON ('-' or unset for stdin)")
	cmd.Flags().StringVarP(&stateOutPath, "out", "o", "", "path to write the output state JSON (unset for stdout)")
	cmd.Flags().StringVarP(&actionFlag, "action", "a", "", "action name")
	cmd.Flags().StringVar(&argsFlag, "args", "{}", "action arguments, as a JSON object or @filename")
	return cmd
}

// shellCmd runs an interactive loop: each input line is "action
// {json-args}", and the running state is printed after every action
// so the operator can see it transition without re-invoking the
// process, the same interactive usage the original tool's man page
// describes for exploratory testing.
func shellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "read ACTION {ARGS-JSON} lines from stdin, print the state after each",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeFlag)
			if err != nil {
				return err
			}
			// --state must name a file here: stdin is reserved for the
			// ACTION lines that follow, so unlike "action" there is no
			// implicit "unset means stdin" default.
			var state reducer.State
			if stateInPath == "" {
				state = initialState(mode)
			} else {
				state, err = readState(stateInPath)
				if err != nil {
					return err
				}
			}

			sess, cleanup, err := newSession()
			if err != nil {
				return err
			}
			defer cleanup()
			disp := reducer.New(externalReducerFlag)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				action, rawArgs, _ := strings.Cut(line, " ")
				argMap, perr := parseArgs(strings.TrimSpace(rawArgs))
				if perr != nil {
					fmt.Fprintln(os.Stderr, "error:", perr)
					continue
				}
				newState, derr := disp.Dispatch(context.Background(), sess, mode, state, action, argMap)
				if derr != nil {
					enc := json.NewEncoder(os.Stderr)
					enc.SetIndent("", "  ")
					_ = enc.Encode(derr)
					continue
				}
				state = newState
				if err := writeState(cmd.OutOrStdout(), state); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&stateInPath, "state", "i", "", "path to the initial state JSON file (unset for a fresh CONTINENT_SELECTING state)")
	return cmd
}

// initialState is the CONTINENT_SELECTING starting point of spec
// §4.I's backup and recovery sequences.
func initialState(mode reducer.Mode) reducer.State {
	s := reducer.State{}
	tag := "backup_state"
	if mode == reducer.ModeRecovery {
		tag = "recovery_state"
	}
	s[tag] = "CONTINENT_SELECTING"
	return s
}

func newSession() (*reducer.Session, func(), error) {
	client := provider.New()
	cat := catalog.New(client, catalog.NewMemoryCache(), 0, nil)
	return &reducer.Session{
		Client:     client,
		Catalog:    cat,
		Countries:  countries.Load(),
		Validators: validation.NewRegistry(),
	}, func() {}, nil
}

func parseArgs(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(s, "@") {
		raw, err := os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, err
		}
		s = string(raw)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid --args JSON: %w", err)
	}
	return out, nil
}

func readState(path string) (reducer.State, error) {
	var raw []byte
	var err error
	if path == "" || path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return reducer.UnmarshalState(raw)
}

func writeStateTo(path string, s reducer.State) error {
	if path == "" || path == "-" {
		return writeState(os.Stdout, s)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeState(f, s)
}

func writeState(w io.Writer, s reducer.State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
