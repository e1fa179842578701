// Package logging provides structured logging with rotation for the
// agent-brain server. Setup always writes JSON logs to a rotating file
// (DefaultConfig uses DefaultLogPath) and, when WriteToStderr is set, also
// to stderr. DebugConfig is DefaultConfig with the level lowered to debug.
package logging
