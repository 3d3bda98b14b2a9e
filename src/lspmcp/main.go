package main

import (
	"github.com/lspmux/lspmcp/src/lspmcp/app"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	fx.New(opts()).Run()
}
