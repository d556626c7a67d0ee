package main

import (
	"context"
	"log/slog"

	"github.com/vietddude/rpcworker/internal/cli"
	"github.com/vietddude/rpcworker/internal/infra/codec"
	"github.com/vietddude/rpcworker/internal/pipeline/consumer"
)

// echo answers every request with its decoded payload.
func echo(ctx context.Context, req map[string]any) (any, error) {
	slog.Debug("Echo request", "fields", len(req))
	return req, nil
}

func main() {
	cli.Execute(consumer.Decode(codec.NewDefaultRegistry(), echo))
}
