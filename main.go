package main

import (
	"discord-archiver/app"

	"go.uber.org/fx"
)

func main() {
	// Run blocks until SIGINT/SIGTERM or the operator's shutdown command.
	fx.New(app.Module(app.Params{ConfigDir: "."})).Run()
}
