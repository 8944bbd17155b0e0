package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadRequestsLines(t *testing.T) {
	path := writeFile(t, `
{"tool": "preview_patch", "arguments": {"diff": "x"}}
# approve before applying
{"tool": "apply_patch", "arguments": {"session_id": "{{session_id}}"}}
`)
	calls, err := readRequests(path)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "preview_patch", calls[0].Tool)
	assert.Equal(t, "apply_patch", calls[1].Tool)
}

func TestReadRequestsArray(t *testing.T) {
	path := writeFile(t, `[{"tool": "list_escalations"}, {"tool": "check_permission", "arguments": {"path": "a.md"}}]`)
	calls, err := readRequests(path)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Arguments)
}

func TestReadRequestsErrors(t *testing.T) {
	for name, content := range map[string]string{
		"empty":        "  \n",
		"bad line":     "{not json}\n",
		"missing tool": `{"arguments": {}}`,
		"bad array":    `[{"tool": 1}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := readRequests(writeFile(t, content))
			require.Error(t, err)
		})
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{}

	_, err := substitute(json.RawMessage(`{"session_id": "{{session_id}}"}`), vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{{session_id}}")

	capture(`{"session_id": "s-1", "files": []}`, vars)
	capture(`{"error": "needs approval", "escalation_id": "e\"2"}`, vars)
	capture("not json", vars)

	args, err := substitute(json.RawMessage(`{"session_id": "{{session_id}}", "note": "see {{escalation_id}}"}`), vars)
	require.NoError(t, err)
	assert.Equal(t, "s-1", args["session_id"])
	assert.Equal(t, `see e"2`, args["note"])

	args, err = substitute(nil, vars)
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = substitute(json.RawMessage(`["x"]`), vars)
	require.Error(t, err)
}

type echoArgs struct {
	Text string `json:"text"`
}

type applyArgs struct {
	SessionID string `json:"session_id"`
}

func TestSendCarriesSessionID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := mcp.NewServer(&mcp.Implementation{Name: "fake"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "preview_patch"}, func(ctx context.Context, req *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"session_id": "abc"}`}}}, nil, nil
	})
	mcp.AddTool(server, &mcp.Tool{Name: "apply_patch"}, func(ctx context.Context, req *mcp.CallToolRequest, args applyArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"applied": "` + args.SessionID + `"}`}}}, nil, nil
	})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	calls := []toolCall{
		{Tool: "preview_patch", Arguments: json.RawMessage(`{"text": "x"}`)},
		{Tool: "apply_patch", Arguments: json.RawMessage(`{"session_id": "{{session_id}}"}`)},
	}
	var out bytes.Buffer
	require.NoError(t, send(ctx, clientTransport, calls, &out, false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"session_id":"abc"}`, lines[0])
	assert.Equal(t, `{"applied":"abc"}`, lines[1])
}
