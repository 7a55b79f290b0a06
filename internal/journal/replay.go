package journal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/record"
)

// Replay decodes every readable record of tag with reg, oldest first, and
// passes each value to fn. Records with an unknown version or a malformed
// payload are skipped and counted; they remain stored and keep syncing.
func Replay[T any](ctx context.Context, j *Journal, tag string, reg *codec.Registry[T], fn func(record.Record, T)) (int, error) {
	entries, err := j.Entries(ctx, tag)
	if err != nil {
		return 0, err
	}

	skipped := 0
	for _, e := range entries {
		v, err := reg.Decode(e.Payload, e.Record.Version)
		switch {
		case errors.Is(err, codec.ErrUnknownVersion), errors.Is(err, codec.ErrMalformed):
			slog.Warn("journal: skipping record", "id", e.Record.ID, "kind", reg.Kind(), "version", e.Record.Version, "err", err)
			skipped++
			continue
		case err != nil:
			return skipped, err
		}
		fn(e.Record, v)
	}
	return skipped, nil
}
