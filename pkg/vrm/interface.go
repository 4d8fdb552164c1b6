package vrm

import (
	"context"
	"time"

	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// Source defines the interface for reading live energy data out of a
// monitoring portal.
type Source interface {
	// Installations returns the installations visible to the configured
	// account.
	Installations(ctx context.Context) ([]types.Installation, error)

	// FetchSnapshot returns the latest readings for one installation.
	// now is the cycle's reference time, used when the source reports no
	// timestamps of its own.
	FetchSnapshot(ctx context.Context, inst types.Installation, now time.Time) (types.InstallationSnapshot, error)
}
