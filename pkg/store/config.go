package store

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the write sink based on flags. The connection
// parameters are required: without a store there is nothing to collect
// into, so missing values stop the process before scheduling begins.
func Configured() Sink {
	url := lflag.RequiredString("influx-url", "InfluxDB server or cloud URL")
	token := lflag.RequiredString("influx-token", "InfluxDB API token")
	org := lflag.RequiredString("influx-org", "InfluxDB organization")
	bucket := lflag.RequiredString("influx-bucket", "InfluxDB bucket for energy points")

	var p struct{ Sink }

	ifx := &Influx{}

	lflag.Do(func() {
		ifx.url = *url
		ifx.token = *token
		ifx.org = *org
		ifx.bucket = *bucket
		if err := ifx.Validate(); err != nil {
			panic(fmt.Sprintf("influx validation failed: %v", err))
		}
		if err := ifx.Init(context.Background()); err != nil {
			panic(fmt.Sprintf("influx init failed: %v", err))
		}
		p.Sink = ifx
	})

	return &p
}
