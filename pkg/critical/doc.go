// Package critical implements the etag-guarded mutation primitive all
// status transitions flow through: read, precheck, mutate, write,
// postcheck, with bounded conflict retries.
package critical
