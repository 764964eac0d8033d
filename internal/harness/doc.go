// Package harness runs YAML scenarios against a fully built FakedContext
// and checks the plugin step audit and final entity state.
//
// # Scenario Format
//
//	name: account_number
//	description: "Preoperation step stamps an account number"
//	options:
//	  use_pipeline_simulation: true
//	  use_plugin_step_audit: true
//	rules: rules/            # optional CUE rules dir, relative to the file
//	setup:
//	  - entity: contact
//	    capture: jane
//	    attributes: { fullname: "Jane" }
//	steps:
//	  - message: Create
//	    stage: Preoperation
//	    entity: account
//	    plugin: AccountNumberPlugin
//	flow:
//	  - request: Create
//	    entity: account
//	    attributes: { name: "Some name" }
//	    capture: acct
//	    expect:
//	      error: ""          # substring of the expected error, if any
//	assertions:
//	  - type: audit_count
//	    count: 1
//	  - type: audit_contains
//	    message: Create
//	    stage: Preoperation
//	    plugin: testplugins.AccountNumberPlugin
//	  - type: final_state
//	    entity: account
//	    id: $acct
//	    expect: { accountnumber: "AN-..." }
//
// Strings of the form $name anywhere in ids, attributes, parameters and
// expectations are replaced with the id captured under that name.
//
// # Assertion Types
//
//   - audit_count: exactly N audit records match the filter
//   - audit_contains: at least one audit record matches the filter
//   - audit_order: the listed matches occur in this order
//   - final_state: a stored record has the expected attributes, or is absent
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory store with a deterministic
// audit clock (testutil.DeterministicClock) and sequential ids
// (testutil.IDGenerator), so audit traces are byte-identical across runs
// and can be compared with golden files.
package harness
