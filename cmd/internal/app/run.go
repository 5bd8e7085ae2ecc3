package app

import (
	"context"
	"io"
)

// Run is the agent entrypoint used by `tether agent`: it builds the runtime from cfg
// and serves until ctx is cancelled. Logs go to logOut.
func Run(ctx context.Context, cfg Config, logOut io.Writer) error {
	log := NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
