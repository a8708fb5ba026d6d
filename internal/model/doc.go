// Package model provides the shared types of the fieldsync engine.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Payloads are opaque JSON; the engine never interprets domain fields
//     except to rewrite references to a remapped temporary id
//   - Operation ordering uses EnqueuedAt (a logical sequence), never wall time
//   - Temporary ids carry TempIDPrefix so they can never collide with a
//     server-assigned id
package model
