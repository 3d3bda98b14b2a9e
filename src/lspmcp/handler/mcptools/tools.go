// Package mcptools exposes the code intelligence operations as MCP tools.
// It implements the SDK's tools provider: tool listing with JSON schemas and
// dispatch of incoming calls onto the codeintel controller. Operation
// failures are reported inside the tool result so the MCP session survives
// a bad argument or a sidecar fault.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ajitpratap0/mcp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-sdk-go/pkg/server"
	"github.com/lspmux/lspmcp/src/lspmcp/controller/codeintel"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fs"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _nameKey = "mcptools"

const (
	_toolDiagnostics = "lsp_diagnostics"
	_toolHover       = "lsp_hover"
	_toolDefinition  = "lsp_goto_definition"
	_toolReferences  = "lsp_find_references"
)

// Module provides the tools provider via fx.
var Module = fx.Provide(New)

// Params are inbound parameters to construct the provider.
type Params struct {
	fx.In

	CodeIntel codeintel.Controller
	FS        fs.FS
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

type provider struct {
	codeIntel codeintel.Controller
	fs        fs.FS
	logger    *zap.SugaredLogger
	stats     tally.Scope
	tools     []protocol.Tool
}

var _ server.ToolsProvider = (*provider)(nil)

// New creates the tools provider exposing the four code intelligence tools.
func New(p Params) server.ToolsProvider {
	return &provider{
		codeIntel: p.CodeIntel,
		fs:        p.FS,
		logger:    p.Logger.With("component", _nameKey),
		stats:     p.Stats.SubScope(_nameKey),
		tools:     toolDescriptors(),
	}
}

const _fileOnlySchema = `{
	"type": "object",
	"properties": {
		"file_path": {
			"type": "string",
			"description": "Absolute path to the file"
		}
	},
	"required": ["file_path"]
}`

const _positionSchema = `{
	"type": "object",
	"properties": {
		"file_path": {
			"type": "string",
			"description": "Absolute path to the file"
		},
		"line": {
			"type": "integer",
			"description": "Line number, 0-indexed"
		},
		"character": {
			"type": "integer",
			"description": "Character offset within the line, 0-indexed"
		}
	},
	"required": ["file_path", "line", "character"]
}`

func toolDescriptors() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        _toolDiagnostics,
			Description: "Get compiler/linter diagnostics for a file.",
			InputSchema: json.RawMessage(_fileOnlySchema),
		},
		{
			Name:        _toolHover,
			Description: "Get hover information (type, documentation) for a position in a file.",
			InputSchema: json.RawMessage(_positionSchema),
		},
		{
			Name:        _toolDefinition,
			Description: "Find where the symbol at a position is defined.",
			InputSchema: json.RawMessage(_positionSchema),
		},
		{
			Name:        _toolReferences,
			Description: "Find all references to the symbol at a position.",
			InputSchema: json.RawMessage(_positionSchema),
		},
	}
}

// ListTools returns the fixed tool set. The set is small enough that
// category filtering and pagination are no-ops.
func (p *provider) ListTools(ctx context.Context, category string, pagination *protocol.PaginationParams) ([]protocol.Tool, int, string, bool, error) {
	return p.tools, len(p.tools), "", false, nil
}

type toolArgs struct {
	FilePath  string `json:"file_path"`
	Line      *int   `json:"line"`
	Character *int   `json:"character"`
}

// CallTool dispatches a tool invocation. Argument and operation errors are
// returned inside the result; only an unknown tool name is a call failure.
func (p *provider) CallTool(ctx context.Context, name string, input json.RawMessage, contextData json.RawMessage) (*protocol.CallToolResult, error) {
	p.stats.Tagged(map[string]string{"tool": name}).Counter("calls").Inc(1)

	var run func(ctx context.Context, args toolArgs) (string, error)
	needsPosition := true

	switch name {
	case _toolDiagnostics:
		needsPosition = false
		run = func(ctx context.Context, args toolArgs) (string, error) {
			return p.codeIntel.Diagnostics(ctx, args.FilePath)
		}
	case _toolHover:
		run = func(ctx context.Context, args toolArgs) (string, error) {
			return p.codeIntel.Hover(ctx, args.FilePath, uint32(*args.Line), uint32(*args.Character))
		}
	case _toolDefinition:
		run = func(ctx context.Context, args toolArgs) (string, error) {
			return p.codeIntel.Definition(ctx, args.FilePath, uint32(*args.Line), uint32(*args.Character))
		}
	case _toolReferences:
		run = func(ctx context.Context, args toolArgs) (string, error) {
			return p.codeIntel.References(ctx, args.FilePath, uint32(*args.Line), uint32(*args.Character))
		}
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	args, err := p.parseArgs(input, needsPosition)
	if err != nil {
		return errorResult(err), nil
	}

	report, err := run(ctx, args)
	if err != nil {
		p.logger.Warnw("tool call failed", "tool", name, "path", args.FilePath, "error", err)
		p.stats.Tagged(map[string]string{"tool": name}).Counter("failures").Inc(1)
		return errorResult(err), nil
	}

	body, err := json.Marshal(map[string]string{"report": report})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &protocol.CallToolResult{Result: body}, nil
}

func (p *provider) parseArgs(input json.RawMessage, needsPosition bool) (toolArgs, error) {
	var args toolArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}

	if args.FilePath == "" {
		return args, fmt.Errorf("file_path is required")
	}
	if !filepath.IsAbs(args.FilePath) {
		return args, fmt.Errorf("file_path must be absolute, got %q", args.FilePath)
	}
	exists, err := p.fs.FileExists(args.FilePath)
	if err != nil {
		return args, fmt.Errorf("checking %s: %w", args.FilePath, err)
	}
	if !exists {
		return args, fmt.Errorf("file does not exist: %s", args.FilePath)
	}

	if needsPosition {
		if args.Line == nil || args.Character == nil {
			return args, fmt.Errorf("line and character are required")
		}
		if *args.Line < 0 || *args.Character < 0 {
			return args, fmt.Errorf("line and character must be non-negative")
		}
	}
	return args, nil
}

func errorResult(err error) *protocol.CallToolResult {
	return &protocol.CallToolResult{Error: err.Error()}
}
