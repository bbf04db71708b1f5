package feedmind

import "errors"

// Sentinel errors returned by the engine.
var (
	// ErrNoLLMProvider indicates the configuration names no chat provider.
	ErrNoLLMProvider = errors.New("feedmind: no llm provider configured")

	// ErrNoDBPath indicates the configuration has no database location.
	ErrNoDBPath = errors.New("feedmind: no database path configured")

	// ErrNoFetcher is returned by RunCycle when no article fetcher was
	// injected.
	ErrNoFetcher = errors.New("feedmind: no fetcher configured")

	// ErrNothingToCurate is returned by SendDigest when no unsent units
	// exist.
	ErrNothingToCurate = errors.New("feedmind: no unsent units to curate")
)
