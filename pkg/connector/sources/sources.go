// Package sources registers every source connector. Import it for its side
// effects.
package sources

import (
	// registered in init()
	_ "github.com/leds-conectafapes/ghsync/pkg/connector/sources/github"
)
