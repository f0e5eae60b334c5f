// Command agentctl is a thin CLI wrapper around session.RunSync,
// mirroring the teacher's cmd/hector bootstrap: cobra for command
// structure, godotenv for .env-based API key loading. It carries no
// business logic of its own — an explicit non-goal per spec.md §1 — it
// only parses flags, loads a spec file and prints the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/session"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/tool"
)

// echoProvider is a placeholder Provider for dry-running a spec without
// a real LLM backend wired in: it always returns the concatenated text
// of the last user message as a single TextPart. Real deployments
// supply their own llmproc.Provider implementation — wire
// clients are a non-goal of the core (spec.md §1).
type echoProvider struct{}

func (echoProvider) Completion(_ context.Context, _ string, history []part.Message, _ spec.LLMParams, _ []tool.Spec) ([]part.Part, error) {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == part.RoleUser {
			last = history[i].TextContent()
			break
		}
	}
	return []part.Part{part.TextPart{Text: last}}, nil
}

func main() {
	_ = godotenv.Load()

	var inputJSON string
	var timeoutSeconds int

	root := &cobra.Command{
		Use:   "agentctl [agent-spec.yaml]",
		Short: "Run an agent spec to completion against a deterministic stub provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentSpec, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}

			input := map[string]any{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			}

			results, err := session.RunSync(
				context.Background(),
				agentSpec,
				echoProvider{},
				session.Options{Input: input},
				time.Duration(timeoutSeconds)*time.Second,
			)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	root.Flags().StringVar(&inputJSON, "input", "", "JSON object to use as the session's global input")
	root.Flags().IntVar(&timeoutSeconds, "timeout", 30, "session timeout in seconds")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}
