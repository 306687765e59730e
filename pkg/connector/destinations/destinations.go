// Package destinations registers every destination connector. Import it for
// its side effects.
package destinations

import (
	// registered in init()
	_ "github.com/leds-conectafapes/ghsync/pkg/connector/destinations/jsonl"
	_ "github.com/leds-conectafapes/ghsync/pkg/connector/destinations/postgres"
)
