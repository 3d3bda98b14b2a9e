package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lspmux/lspmcp/src/lspmcp/controller/codeintel/codeintelmock"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fs/fsmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T) (*provider, *codeintelmock.MockController, *fsmock.MockFS) {
	ctrl := gomock.NewController(t)
	codeIntel := codeintelmock.NewMockController(ctrl)
	fileSystem := fsmock.NewMockFS(ctrl)

	p := New(Params{
		CodeIntel: codeIntel,
		FS:        fileSystem,
		Logger:    zap.NewNop().Sugar(),
		Stats:     tally.NewTestScope("test", nil),
	}).(*provider)
	return p, codeIntel, fileSystem
}

func TestListTools(t *testing.T) {
	p, _, _ := newTestProvider(t)

	tools, total, cursor, hasMore, err := p.ListTools(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.True(t, json.Valid(tool.InputSchema), "schema for %s must be valid JSON", tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"lsp_diagnostics", "lsp_hover", "lsp_goto_definition", "lsp_find_references",
	}, names)
}

func TestCallToolUnknownName(t *testing.T) {
	p, _, _ := newTestProvider(t)

	_, err := p.CallTool(context.Background(), "lsp_rename", json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestCallToolDiagnostics(t *testing.T) {
	p, codeIntel, fileSystem := newTestProvider(t)

	fileSystem.EXPECT().FileExists("/tmp/a.rs").Return(true, nil)
	codeIntel.EXPECT().Diagnostics(gomock.Any(), "/tmp/a.rs").Return("No diagnostics found.", nil)

	result, err := p.CallTool(context.Background(), "lsp_diagnostics", json.RawMessage(`{"file_path":"/tmp/a.rs"}`), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Error)

	var body map[string]string
	require.NoError(t, json.Unmarshal(result.Result, &body))
	assert.Equal(t, "No diagnostics found.", body["report"])
}

func TestCallToolHover(t *testing.T) {
	p, codeIntel, fileSystem := newTestProvider(t)

	fileSystem.EXPECT().FileExists("/tmp/a.rs").Return(true, nil)
	codeIntel.EXPECT().Hover(gomock.Any(), "/tmp/a.rs", uint32(11), uint32(7)).Return("fn main()", nil)

	result, err := p.CallTool(context.Background(), "lsp_hover", json.RawMessage(`{"file_path":"/tmp/a.rs","line":11,"character":7}`), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	assert.Contains(t, string(result.Result), "fn main()")
}

func TestCallToolArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		input   string
		exists  bool
		checkFS bool
		wantErr string
	}{
		{
			name:    "relative path",
			tool:    "lsp_diagnostics",
			input:   `{"file_path":"src/main.rs"}`,
			wantErr: "must be absolute",
		},
		{
			name:    "missing path",
			tool:    "lsp_diagnostics",
			input:   `{}`,
			wantErr: "file_path is required",
		},
		{
			name:    "nonexistent file",
			tool:    "lsp_diagnostics",
			input:   `{"file_path":"/tmp/gone.rs"}`,
			checkFS: true,
			wantErr: "does not exist",
		},
		{
			name:    "missing position",
			tool:    "lsp_hover",
			input:   `{"file_path":"/tmp/a.rs"}`,
			checkFS: true,
			exists:  true,
			wantErr: "line and character are required",
		},
		{
			name:    "negative line",
			tool:    "lsp_find_references",
			input:   `{"file_path":"/tmp/a.rs","line":-1,"character":0}`,
			checkFS: true,
			exists:  true,
			wantErr: "non-negative",
		},
		{
			name:    "malformed json",
			tool:    "lsp_diagnostics",
			input:   `{"file_path":`,
			wantErr: "invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, fileSystem := newTestProvider(t)
			if tt.checkFS {
				fileSystem.EXPECT().FileExists(gomock.Any()).Return(tt.exists, nil)
			}

			result, err := p.CallTool(context.Background(), tt.tool, json.RawMessage(tt.input), nil)
			require.NoError(t, err, "argument errors are reported in the result")
			assert.Contains(t, result.Error, tt.wantErr)
		})
	}
}

func TestCallToolOperationFailureReportedInResult(t *testing.T) {
	p, codeIntel, fileSystem := newTestProvider(t)

	fileSystem.EXPECT().FileExists("/tmp/a.rs").Return(true, nil)
	codeIntel.EXPECT().Definition(gomock.Any(), "/tmp/a.rs", uint32(0), uint32(0)).
		Return("", errors.New("request \"textDocument/definition\" timed out after 30s"))

	result, err := p.CallTool(context.Background(), "lsp_goto_definition", json.RawMessage(`{"file_path":"/tmp/a.rs","line":0,"character":0}`), nil)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "timed out")
	assert.Empty(t, result.Result)
}
