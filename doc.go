// Package fabric contains the client-side core of the Fabric control plane:
// value types and utilities shared by the resolution cache, the service
// address notification subsystem, the file transfer engine and the reliable
// concurrent queue state provider.
//
// The root package intentionally stays small. Concern-specific code lives in
// the subpackages (cache, naming, notification, filetransfer, fs, rcq, ...).
package fabric
