// Package transport moves assembled packages to target repositories.
// Each protocol binding (filesystem, FTP, SWORDv2) opens scope-bound
// sessions; a send reports physical success or failure, and SWORD
// responses additionally carry the receipt links later reconciliation
// depends on.
package transport
