// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/pilot/internal/log"
	"github.com/tombee/pilot/internal/state"
	"github.com/tombee/pilot/pkg/pilot"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "pilot",
		Short:         "Run and validate pilot workflow definitions",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept underscore spellings so flag names match workflow field names.
	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var (
		inputPairs []string
		statePath  string
		calibrate  bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := pilot.ParseDefinition(data)
			if err != nil {
				return err
			}

			inputs := make(map[string]interface{}, len(inputPairs))
			for _, pair := range inputPairs {
				key, value, err := splitPair(pair)
				if err != nil {
					return err
				}
				inputs[key] = value
			}

			opts := []pilot.Option{pilot.WithLogger(log.New(log.FromEnv()))}
			if statePath != "" {
				store, err := state.OpenSQLite(statePath)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, pilot.WithStateManager(store))
			}
			engine := pilot.NewEngine(opts...)

			result, err := engine.Run(cmd.Context(), def, inputs, &pilot.RunOptions{
				Calibration: calibrate,
			})
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "execution %s: %s (%d completed, %d failed, %d skipped)\n",
					result.ExecutionID, result.Status,
					len(result.CompletedSteps), len(result.FailedSteps), len(result.SkippedSteps))
				for _, issue := range result.CollectedIssues {
					fmt.Fprintf(cmd.OutOrStdout(), "issue [%s] %s\n", issue.Category, issue.Message)
				}
			}
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&statePath, "state", "", "sqlite database path for execution history")
	cmd.Flags().BoolVar(&calibrate, "calibrate", false, "collect and classify errors instead of failing fast")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := pilot.ParseDefinition(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}
}

func splitPair(pair string) (string, string, error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			if i == 0 {
				break
			}
			return pair[:i], pair[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("input %q is not key=value", pair)
}
