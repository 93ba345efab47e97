package service

import (
	"context"
	"fmt"
	"os"

	"petstore-platform/shared/logger"
)

// Main bootstraps serviceName, asks build for the workers and serves them until
// shutdown. It exits the process with status 1 on any failure.
func Main(serviceName string, build func(ctx context.Context, app *App) ([]Worker, error), opts ...Option) {
	ctx := context.Background()

	app, err := Bootstrap(ctx, serviceName, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}

	code := 0
	workers, err := build(ctx, app)
	if err != nil {
		app.Log.Error("Failed to build workers", logger.Err(err))
		code = 1
	} else if err := app.Serve(ctx, workers...); err != nil {
		app.Log.Error("Service stopped with error", logger.Err(err))
		code = 1
	}

	closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	if err := app.Close(closeCtx); err != nil {
		app.Log.Error("Error during shutdown", logger.Err(err))
	}
	cancel()
	os.Exit(code)
}
