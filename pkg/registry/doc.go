// Package registry loads and resolves per-repository deposit
// configuration: protocol bindings, status mappings, auth realms and
// packaging options, keyed by repository key with URI-path fallback
// resolution.
package registry
