package collector

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/vrmcollect/vrmcollect/pkg/store"
	"github.com/vrmcollect/vrmcollect/pkg/vrm"
)

// Configured sets up the collector based on flags.
func Configured(source vrm.Source, sink store.Sink) *Collector {
	interval := lflag.Duration("collection-interval", 5*time.Second, "How often to run a collection cycle")
	cycleTimeout := lflag.Duration("cycle-timeout", time.Minute, "Maximum duration of one cycle before it is abandoned (0 disables)")
	maxFetches := lflag.Int("max-concurrent-fetches", 10, "Maximum number of installations fetched in parallel")

	c := &Collector{
		source: source,
		sink:   sink,
	}

	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("invalid collection-interval: %v", *interval))
		}
		c.interval = *interval
		c.cycleTimeout = *cycleTimeout
		c.maxFetches = *maxFetches
		if c.maxFetches <= 0 {
			c.maxFetches = 10
		}
	})

	return c
}
