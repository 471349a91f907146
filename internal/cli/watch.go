package cli

import (
	"context"

	"github.com/roach88/lockstep/internal/api"
	"github.com/roach88/lockstep/internal/realtime"
)

// watch prints every snapshot pushed for id until ctx ends or the server
// closes the subscription.
func watch(ctx context.Context, f *OutputFormatter, c *api.Client, id string) error {
	stream, err := realtime.Dial(ctx, c.RealtimeURL(id), c.Token())
	if err != nil {
		return reportError(f, "subscribe failed", err)
	}
	defer stream.Close()
	f.VerboseLog("subscribed to %s", id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-stream.Updates():
			if !ok {
				if err := stream.Err(); err != nil {
					return reportError(f, "subscription ended", err)
				}
				return nil
			}
			if err := printSnapshot(f, u); err != nil {
				return err
			}
		}
	}
}
