// Package connector is the root of the ghsync connector framework.
//
// The sub-packages are:
//
//   - core: the Source, Destination and Cache interfaces and the read and
//     write result types.
//   - base: BaseConnector, embedded by every connector. It carries the retry
//     policy, the rate limiter, the circuit breaker, progress reporting and
//     per-stream state.
//   - registry: name to factory maps. Connectors register in init().
//   - sources: the GitHub source (REST through go-github, projects through
//     GraphQL).
//   - destinations: the PostgreSQL destination and the JSON lines file
//     destination. Both replay streams from the staging cache.
//
// A run is driven by internal/pipeline:
//
//	src, _ := registry.CreateSource(config.SourceGitHub, cfg)
//	dst, _ := registry.CreateDestination(config.DestinationPostgres, cfg)
//	c, _ := cache.Open(ctx, &cfg.Cache, logger.Get())
//	r := pipeline.NewRunner(src, c, dst, pipeline.Options{ForceFullRefresh: true})
//	result, err := r.Run(ctx)
package connector
