package redlock

import (
	_ "embed" // to provide go:embed support

	"github.com/redis/go-redis/v9"
)

// The three scripts below are the entire protocol surface between the
// locker and each server. They iterate the full KEYS vector inside a single
// atomic invocation, so a multi-resource lock is granted, released, or
// extended all-or-nothing on every server.
var (
	//go:embed acquire.lua
	acquireCmd    string
	acquireScript = redis.NewScript(acquireCmd)

	//go:embed release.lua
	releaseCmd    string
	releaseScript = redis.NewScript(releaseCmd)

	//go:embed extend.lua
	extendCmd    string
	extendScript = redis.NewScript(extendCmd)
)
