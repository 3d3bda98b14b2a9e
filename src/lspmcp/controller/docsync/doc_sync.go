// Package docsync keeps the sidecar's view of on-disk files current. It
// tracks per-file open/version state and a content fingerprint so that
// repeated syncs of an untouched file cost one hash computation instead of
// one notification round trip.
package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/lspmux/lspmcp/src/lspmcp/gateway/sidecar"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fileuri"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fs"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/langid"
	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _nameKey = "docsync"

// Module provides the document sync controller via fx.
var Module = fx.Provide(New)

// Controller synchronizes file content with the sidecar before substantive
// requests are issued against it.
type Controller interface {
	// EnsureSynced makes the sidecar's copy of path match the file on disk.
	// The first sync for a path sends a didOpen with the full text at
	// version 0; later syncs send a whole-document didChange only when the
	// content fingerprint actually changed.
	EnsureSynced(ctx context.Context, path string) error
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Session sidecar.Session
	FS      fs.FS
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
}

// document is the open-document record for one absolute path. Its mutex
// makes the check-then-send sequence atomic per path; records for different
// paths proceed independently.
type document struct {
	mu          sync.Mutex
	opened      bool
	version     int32
	fingerprint uint64
}

type controller struct {
	session sidecar.Session
	fs      fs.FS
	logger  *zap.SugaredLogger
	stats   tally.Scope

	mu   sync.Mutex
	docs map[string]*document
}

// New creates a new document sync controller.
func New(p Params) Controller {
	return &controller{
		session: p.Session,
		fs:      p.FS,
		logger:  p.Logger.With("component", _nameKey),
		stats:   p.Stats.SubScope(_nameKey),
		docs:    make(map[string]*document),
	}
}

func (c *controller) EnsureSynced(ctx context.Context, path string) error {
	uri, err := fileuri.FromPath(path)
	if err != nil {
		return err
	}

	content, err := c.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	fingerprint := xxhash.Sum64(content)

	doc := c.record(path)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	switch {
	case !doc.opened:
		if err := c.session.Notify(ctx, protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        uri,
				LanguageID: protocol.LanguageIdentifier(langid.Detect(path)),
				Version:    0,
				Text:       string(content),
			},
		}); err != nil {
			return err
		}
		doc.opened = true
		doc.version = 0
		doc.fingerprint = fingerprint
		c.stats.Counter("opened").Inc(1)
		c.logger.Debugw("opened document", "path", path)

	case doc.fingerprint == fingerprint:
		// Unchanged since the last sync; nothing to send.
		c.stats.Counter("skipped").Inc(1)

	default:
		next := doc.version + 1
		if err := c.session.Notify(ctx, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
			TextDocument: protocol.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
				Version:                next,
			},
			ContentChanges: []protocol.TextDocumentContentChangeEvent{
				{Text: string(content)},
			},
		}); err != nil {
			return err
		}
		doc.version = next
		doc.fingerprint = fingerprint
		c.stats.Counter("changed").Inc(1)
		c.logger.Debugw("synced document change", "path", path, "version", next)
	}

	return nil
}

// record returns the open-document record for path, creating it on first
// access. The record itself starts unopened; the caller decides under the
// record's own lock whether a didOpen is still needed, so two concurrent
// first accesses cannot both send one.
func (c *controller) record(path string) *document {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[path]
	if !ok {
		doc = &document{}
		c.docs[path] = doc
	}
	return doc
}
