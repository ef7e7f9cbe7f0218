// Package registry builds and indexes the configured modules.
//
// Factories maps backend names ("openai", "anthropic") to constructors;
// tests register fakes in it. New constructs one module.Module per
// configured entry and fails fast on unknown backend names. CloseAll is
// the shutdown path: it stops busy modules, waits for them to settle, and
// closes every session.
package registry
