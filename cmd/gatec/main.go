// Command gatec replays a file of MCP tool calls against a patchgate server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// toolCall is one line of a request file.
type toolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result fields remembered between calls and substituted into later ones as
// {{name}}.
var captured = []string{"session_id", "escalation_id"}

var placeholderRE = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatec: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatec",
		Short:         "Scripted MCP client for patchgate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSendCmd())
	return root
}

func newSendCmd() *cobra.Command {
	var (
		filePath   string
		serverExe  string
		serverArgs []string
		pretty     bool
	)
	cmd := &cobra.Command{
		Use:   "send --file <calls.jsonl>",
		Short: "Run each tool call in order and print the results",
		Long: `Run each tool call in order and print the results.

Each line (or array element) is {"tool": "...", "arguments": {...}}. The
placeholders {{session_id}} and {{escalation_id}} are replaced with the value
from the most recent result that carried them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				return fmt.Errorf("missing --file")
			}
			calls, err := readRequests(filePath)
			if err != nil {
				return err
			}
			if len(serverArgs) == 0 {
				serverArgs = []string{"serve"}
			}
			server := exec.Command(serverExe, serverArgs...)
			server.Stderr = cmd.ErrOrStderr()
			return send(cmd.Context(), &mcp.CommandTransport{Command: server}, calls, cmd.OutOrStdout(), pretty)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to calls JSONL or JSON array")
	cmd.Flags().StringVar(&serverExe, "server-exe", "patchgate", "server executable")
	cmd.Flags().StringArrayVar(&serverArgs, "server-arg", nil, "server argument (repeatable, default \"serve\")")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "pretty-print JSON results")
	return cmd
}

func send(ctx context.Context, transport mcp.Transport, calls []toolCall, out io.Writer, pretty bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "gatec"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Close()

	vars := map[string]string{}
	for i, call := range calls {
		arguments, err := substitute(call.Arguments, vars)
		if err != nil {
			return fmt.Errorf("call %d (%s): %w", i+1, call.Tool, err)
		}
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: call.Tool, Arguments: arguments})
		if err != nil {
			return fmt.Errorf("call %d (%s): %w", i+1, call.Tool, err)
		}
		text := resultText(res)
		capture(text, vars)

		if pretty {
			fmt.Fprintln(out, indent(text))
		} else {
			fmt.Fprintln(out, compact(text))
		}
	}
	return nil
}

func readRequests(path string) ([]toolCall, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(string(content))
	if raw == "" {
		return nil, fmt.Errorf("empty request file")
	}

	var calls []toolCall
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &calls); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
	} else {
		for n, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			var call toolCall
			if err := json.Unmarshal([]byte(line), &call); err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			calls = append(calls, call)
		}
	}
	for i, call := range calls {
		if call.Tool == "" {
			return nil, fmt.Errorf("call %d: tool is required", i+1)
		}
	}
	return calls, nil
}

// substitute fills placeholders and decodes the arguments object.
func substitute(raw json.RawMessage, vars map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var missing string
	filled := placeholderRE.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		quoted, _ := json.Marshal(v)
		return strings.Trim(string(quoted), `"`)
	})
	if missing != "" {
		return nil, fmt.Errorf("placeholder {{%s}} used before any result provided it", missing)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(filled), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return args, nil
}

// capture records captured fields found in a JSON result.
func capture(text string, vars map[string]string) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return
	}
	for _, name := range captured {
		if v, ok := fields[name].(string); ok && v != "" {
			vars[name] = v
		}
	}
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func indent(text string) string {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return text
	}
	return string(data)
}

func compact(text string) string {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	data, err := json.Marshal(v)
	if err != nil {
		return text
	}
	return string(data)
}
