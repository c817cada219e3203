package main

import (
	"context"
	"encoding/json"
	"log/slog"
)

// echoDomain is the default module-specific server C12 hosts: it has no
// real domain logic of its own, it only logs lifecycle calls and echoes
// `data` payloads back. A real deployment replaces this with its own
// workerproc.Domain implementation; the core never assumes more about a
// domain server than the workerproc.Domain interface describes.
type echoDomain struct {
	logger *slog.Logger
}

func newEchoDomain(logger *slog.Logger) *echoDomain {
	return &echoDomain{logger: logger}
}

func (d *echoDomain) Start(ctx context.Context) error {
	d.logger.InfoContext(ctx, "domain.start")
	return nil
}

func (d *echoDomain) Stop(ctx context.Context) error {
	d.logger.InfoContext(ctx, "domain.stop")
	return nil
}

func (d *echoDomain) HandleData(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	d.logger.DebugContext(ctx, "domain.data", "bytes", len(payload))
	return payload, nil
}

func (d *echoDomain) ApplyConfig(ctx context.Context, partial json.RawMessage) error {
	d.logger.InfoContext(ctx, "domain.config", "bytes", len(partial))
	return nil
}
