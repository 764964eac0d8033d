// Package rules compiles plugin step registration rules from CUE.
//
// A rules file names, per message, the entity types, stages and async
// stages a step may register for:
//
//	allow_unknown_messages: true
//
//	message: Update: {
//		stages: ["Prevalidation", "Preoperation", "Postoperation"]
//		async_stages: ["Postoperation"]
//		filtering_attributes: true
//	}
//
// Files are unified with the embedded schema (schema.cue) before they are
// decoded. Default returns the built-in platform rules (default.cue).
package rules
