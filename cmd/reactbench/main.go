// Package main implements the reactbench binary.
package main

import (
	"context"
	"os"

	"github.com/reactbench/reactbench/cmd/reactbench/cmd"
	"github.com/reactbench/reactbench/internal/logging"
)

func main() {
	if err := cmd.RootCmd().ExecuteContext(context.Background()); err != nil {
		logging.WithError(err).Error("reactbench failed")
		os.Exit(1)
	}
}
