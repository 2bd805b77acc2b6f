package api

import "errors"

// Sentinel errors shared by the orchestrator, the relay, the tool router and
// the plugin dispatcher. Callers wrap them with fmt.Errorf("...: %w", ...)
// and compare with errors.Is.
var (
	// ErrServiceUnavailable means the language-model plugin is not online.
	ErrServiceUnavailable = errors.New("companion: model service unavailable")

	// ErrComposeFailure means the prompt composer rejected the round input.
	ErrComposeFailure = errors.New("companion: prompt composition failed")

	// ErrStream is a relay-level failure of the upstream text stream.
	ErrStream = errors.New("companion: stream error")

	// ErrStreamAbort reports a cancelled stream.
	ErrStreamAbort = errors.New("companion: stream aborted")

	// ErrToolDispatch covers missing, failing or error-returning tool plugins.
	// It never reaches the end user; it becomes a tool-result turn.
	ErrToolDispatch = errors.New("companion: tool dispatch failed")

	// ErrPluginNotLoaded is returned by the dispatcher for unknown names.
	ErrPluginNotLoaded = errors.New("companion: plugin not loaded")

	// ErrNoSender means the plugin exists but has no Send entry point.
	ErrNoSender = errors.New("companion: plugin has no send entry point")

	// ErrToolRoundsExceeded stops a task that keeps calling tools.
	ErrToolRoundsExceeded = errors.New("companion: too many consecutive tool rounds")
)
