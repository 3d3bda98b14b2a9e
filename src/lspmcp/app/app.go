// Package app assembles the lspmcp application: the sidecar session, the
// document sync and code intelligence controllers, and the MCP stdio server
// that exposes them as tools.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	mcpserver "github.com/ajitpratap0/mcp-sdk-go/pkg/server"
	"github.com/ajitpratap0/mcp-sdk-go/pkg/transport"
	"github.com/lspmux/lspmcp/src/lspmcp/controller/codeintel"
	"github.com/lspmux/lspmcp/src/lspmcp/controller/docsync"
	"github.com/lspmux/lspmcp/src/lspmcp/gateway/sidecar"
	"github.com/lspmux/lspmcp/src/lspmcp/handler/mcptools"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/core"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fs"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/serverinfo"
	tally "github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _configKeyMCP = "mcp"

// Module defines the lspmcp application module.
var Module = fx.Options(
	sidecar.Module,
	docsync.Module,
	codeintel.Module,
	mcptools.Module,
	fs.Module,
	serverinfo.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "lspmcp",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Provide(newMCPServer),
	fx.Invoke(publishServerInfo),
	fx.Invoke(func(*mcpserver.Server) {}),
)

type mcpConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// mcpServerParams are inbound parameters to construct the MCP server.
type mcpServerParams struct {
	fx.In

	Config     config.Provider
	Lifecycle  fx.Lifecycle
	Logger     *zap.SugaredLogger
	Provider   mcpserver.ToolsProvider
	Shutdowner fx.Shutdowner
}

// newMCPServer builds the stdio MCP server and ties its serve loop to the
// fx lifecycle. When the transport closes (client hung up stdin) the whole
// application shuts down.
func newMCPServer(p mcpServerParams) (*mcpserver.Server, error) {
	var cfg mcpConfig
	if err := p.Config.Get(_configKeyMCP).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyMCP, err)
	}
	if cfg.Name == "" {
		cfg.Name = "lspmcp"
	}

	tcfg := transport.DefaultTransportConfig(transport.TransportTypeStdio)
	t, err := transport.NewTransport(tcfg)
	if err != nil {
		return nil, fmt.Errorf("creating stdio transport: %w", err)
	}

	srv := mcpserver.New(t,
		mcpserver.WithName(cfg.Name),
		mcpserver.WithVersion(cfg.Version),
		mcpserver.WithDescription("Code intelligence tools backed by a language server sidecar"),
		mcpserver.WithToolsProvider(p.Provider),
	)

	logger := p.Logger.With("component", "mcp")

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(context.Background()); err != nil {
					logger.Errorw("mcp server stopped", "error", err)
				}
				if err := p.Shutdowner.Shutdown(); err != nil {
					logger.Errorw("shutdown failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop()
		},
	})

	return srv, nil
}

// publishServerInfo records the running instance's identity in the server
// info file for outside tooling.
func publishServerInfo(info serverinfo.ServerInfoFile, session sidecar.Session) error {
	if err := info.UpdateField("pid", strconv.Itoa(os.Getpid())); err != nil {
		return err
	}
	if err := info.UpdateField("sessionId", session.UUID().String()); err != nil {
		return err
	}
	return info.UpdateField("state", session.State().String())
}
