// Package xrm provides the data model shared by the pipeline simulator:
// typed attribute values, entities, entity references, request targets and
// the organization requests/responses that flow through the middleware.
//
// This package contains type definitions only. All other internal packages
// import xrm; xrm imports nothing internal.
//
// Key design constraints:
//   - NO float attribute values - Money is stored in integer minor units
//   - Attribute maps are cloned on every snapshot so images stay immutable
//   - Serialization for storage and hashing uses canonical JSON (canonical.go)
package xrm
