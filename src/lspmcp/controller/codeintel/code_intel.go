// Package codeintel exposes the read-only code intelligence operations
// backed by the sidecar: diagnostics, hover, go-to-definition, and find
// references. Each operation syncs the target file first and renders a
// plain-text report with 1-indexed lines and columns.
package codeintel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lspmux/lspmcp/src/lspmcp/controller/docsync"
	"github.com/lspmux/lspmcp/src/lspmcp/gateway/sidecar"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fileuri"
	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _nameKey = "codeintel"

// Pull-model diagnostics arrived after the protocol package's LSP 3.16
// snapshot, so the method name and report shape live here.
const _methodTextDocumentDiagnostic = "textDocument/diagnostic"

// Module provides the code intelligence controller via fx.
var Module = fx.Provide(New)

// Controller answers code intelligence queries about workspace files.
// Positions are 0-indexed on the way in (wire convention) and rendered
// 1-indexed on the way out.
type Controller interface {
	Diagnostics(ctx context.Context, path string) (string, error)
	Hover(ctx context.Context, path string, line, character uint32) (string, error)
	Definition(ctx context.Context, path string, line, character uint32) (string, error)
	References(ctx context.Context, path string, line, character uint32) (string, error)
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Session sidecar.Session
	DocSync docsync.Controller
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
}

type controller struct {
	session sidecar.Session
	docSync docsync.Controller
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// New creates a new code intelligence controller.
func New(p Params) Controller {
	return &controller{
		session: p.Session,
		docSync: p.DocSync,
		logger:  p.Logger.With("component", _nameKey),
		stats:   p.Stats.SubScope(_nameKey),
	}
}

type documentDiagnosticParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
}

type fullDocumentDiagnosticReport struct {
	Kind  string                `json:"kind"`
	Items []protocol.Diagnostic `json:"items"`
}

func (c *controller) Diagnostics(ctx context.Context, path string) (string, error) {
	u, err := c.sync(ctx, path)
	if err != nil {
		return "", err
	}

	var report fullDocumentDiagnosticReport
	if err := c.session.Call(ctx, _methodTextDocumentDiagnostic, documentDiagnosticParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
	}, &report); err != nil {
		return "", fmt.Errorf("diagnostics for %s: %w", path, err)
	}
	c.stats.Counter("diagnostics").Inc(1)

	if len(report.Items) == 0 {
		return "No diagnostics found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d diagnostic(s):\n", len(report.Items))
	for _, d := range report.Items {
		fmt.Fprintf(&b, "%d:%d: [%s] %s\n",
			d.Range.Start.Line+1, d.Range.Start.Character+1, severityLabel(d.Severity), d.Message)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *controller) Hover(ctx context.Context, path string, line, character uint32) (string, error) {
	u, err := c.sync(ctx, path)
	if err != nil {
		return "", err
	}

	var hover *protocol.Hover
	if err := c.session.Call(ctx, protocol.MethodTextDocumentHover, protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: u},
			Position:     protocol.Position{Line: line, Character: character},
		},
	}, &hover); err != nil {
		return "", fmt.Errorf("hover for %s: %w", path, err)
	}
	c.stats.Counter("hover").Inc(1)

	if hover == nil || strings.TrimSpace(hover.Contents.Value) == "" {
		return "No hover information available at this position.", nil
	}
	return hover.Contents.Value, nil
}

func (c *controller) Definition(ctx context.Context, path string, line, character uint32) (string, error) {
	u, err := c.sync(ctx, path)
	if err != nil {
		return "", err
	}

	var raw json.RawMessage
	if err := c.session.Call(ctx, protocol.MethodTextDocumentDefinition, protocol.DefinitionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: u},
			Position:     protocol.Position{Line: line, Character: character},
		},
	}, &raw); err != nil {
		return "", fmt.Errorf("definition for %s: %w", path, err)
	}
	c.stats.Counter("definition").Inc(1)

	locations, err := decodeLocations(raw)
	if err != nil {
		return "", fmt.Errorf("definition for %s: %w", path, err)
	}
	if len(locations) == 0 {
		return "No definition found.", nil
	}

	var b strings.Builder
	b.WriteString("Found definition(s):\n")
	for _, loc := range locations {
		b.WriteString(formatLocation(loc))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *controller) References(ctx context.Context, path string, line, character uint32) (string, error) {
	u, err := c.sync(ctx, path)
	if err != nil {
		return "", err
	}

	var locations []protocol.Location
	if err := c.session.Call(ctx, protocol.MethodTextDocumentReferences, protocol.ReferenceParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: u},
			Position:     protocol.Position{Line: line, Character: character},
		},
		Context: protocol.ReferenceContext{IncludeDeclaration: true},
	}, &locations); err != nil {
		return "", fmt.Errorf("references for %s: %w", path, err)
	}
	c.stats.Counter("references").Inc(1)

	if len(locations) == 0 {
		return "No references found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d reference(s):\n", len(locations))
	for _, loc := range locations {
		b.WriteString(formatLocation(loc))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// sync brings the sidecar's copy of path up to date and returns its URI.
func (c *controller) sync(ctx context.Context, path string) (uri.URI, error) {
	u, err := fileuri.FromPath(path)
	if err != nil {
		return u, err
	}
	if err := c.docSync.EnsureSynced(ctx, path); err != nil {
		return u, err
	}
	return u, nil
}

// decodeLocations normalizes the three wire shapes servers return for
// definition requests: a single Location, an array of Locations, or an
// array of LocationLinks. A JSON null means no result.
func decodeLocations(raw json.RawMessage) ([]protocol.Location, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if trimmed[0] != '[' {
		var single protocol.Location
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decoding location: %w", err)
		}
		return []protocol.Location{single}, nil
	}

	var locations []protocol.Location
	if err := json.Unmarshal(raw, &locations); err == nil && allHaveURIs(locations) {
		return locations, nil
	}

	var links []protocol.LocationLink
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil, fmt.Errorf("decoding location links: %w", err)
	}
	locations = locations[:0]
	for _, link := range links {
		locations = append(locations, protocol.Location{
			URI:   link.TargetURI,
			Range: link.TargetSelectionRange,
		})
	}
	return locations, nil
}

// allHaveURIs distinguishes a genuine []Location payload from a
// []LocationLink one, which decodes into Locations with empty URIs.
func allHaveURIs(locations []protocol.Location) bool {
	for _, loc := range locations {
		if loc.URI == "" {
			return false
		}
	}
	return true
}

func formatLocation(loc protocol.Location) string {
	return fmt.Sprintf("%s:%d:%d",
		fileuri.ToPath(loc.URI), loc.Range.Start.Line+1, loc.Range.Start.Character+1)
}

func severityLabel(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.DiagnosticSeverityError:
		return "ERROR"
	case protocol.DiagnosticSeverityWarning:
		return "WARNING"
	case protocol.DiagnosticSeverityInformation:
		return "INFO"
	case protocol.DiagnosticSeverityHint:
		return "HINT"
	}
	return "UNKNOWN"
}
