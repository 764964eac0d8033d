package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/middleware"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string                 // Assertion type for categorization
	Expected string                 // Human-readable expected outcome
	Actual   string                 // Human-readable actual outcome
	Audit    []pipeline.AuditRecord // Full audit for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Audit) > 0 {
		fmt.Fprintf(&buf, "\nFull audit:\n")
		for _, rec := range e.Audit {
			fmt.Fprintf(&buf, "  [%d] %s %s/%s %s entity=%s depth=%d failed=%t\n",
				rec.Seq, rec.MessageName, rec.Stage, rec.Mode, rec.PluginType,
				rec.EntityLogicalName, rec.Depth, rec.Failed)
		}
	}
	return buf.String()
}

// matches reports whether rec satisfies every set filter.
func (m AuditMatch) matches(rec pipeline.AuditRecord) bool {
	if m.Message != "" && !strings.EqualFold(m.Message, rec.MessageName) {
		return false
	}
	if m.Stage != "" && !strings.EqualFold(m.Stage, rec.Stage.String()) {
		return false
	}
	if m.Mode != "" && !strings.EqualFold(m.Mode, rec.Mode.String()) {
		return false
	}
	if m.Plugin != "" && m.Plugin != rec.PluginType {
		return false
	}
	if m.Entity != "" && !strings.EqualFold(m.Entity, rec.EntityLogicalName) {
		return false
	}
	if m.Depth != 0 && m.Depth != rec.Depth {
		return false
	}
	if m.Failed != nil && *m.Failed != rec.Failed {
		return false
	}
	return true
}

// String describes the filter for error messages.
func (m AuditMatch) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("message", m.Message)
	add("stage", m.Stage)
	add("mode", m.Mode)
	add("plugin", m.Plugin)
	add("entity", m.Entity)
	if m.Depth != 0 {
		add("depth", fmt.Sprint(m.Depth))
	}
	if m.Failed != nil {
		add("failed", fmt.Sprint(*m.Failed))
	}
	if len(parts) == 0 {
		return "(any)"
	}
	return strings.Join(parts, " ")
}

// assertAuditCount checks that exactly Count records match.
func assertAuditCount(audit []pipeline.AuditRecord, assertion Assertion) error {
	count := 0
	for _, rec := range audit {
		if assertion.AuditMatch.matches(rec) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d records matching %s", assertion.Count, assertion.AuditMatch),
			Actual:   fmt.Sprintf("%d records", count),
			Audit:    audit,
		}
	}
	return nil
}

// assertAuditContains checks that at least one record matches.
func assertAuditContains(audit []pipeline.AuditRecord, assertion Assertion) error {
	for _, rec := range audit {
		if assertion.AuditMatch.matches(rec) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertAuditContains,
		Expected: fmt.Sprintf("record matching %s", assertion.AuditMatch),
		Actual:   "not found in audit",
		Audit:    audit,
	}
}

// assertAuditOrder checks that the first record matching each entry occurs
// in the listed order. Intervening records are allowed.
func assertAuditOrder(audit []pipeline.AuditRecord, assertion Assertion) error {
	positions := make([]int, len(assertion.Order))
	for i, m := range assertion.Order {
		positions[i] = -1
		for pos, rec := range audit {
			if m.matches(rec) {
				positions[i] = pos
				break
			}
		}
		if positions[i] < 0 {
			return &AssertionError{
				Type:     AssertAuditOrder,
				Expected: fmt.Sprintf("record matching %s", m),
				Actual:   "missing from audit",
				Audit:    audit,
			}
		}
	}

	for i := 1; i < len(positions); i++ {
		if positions[i-1] >= positions[i] {
			return &AssertionError{
				Type:     AssertAuditOrder,
				Expected: fmt.Sprintf("%s before %s", assertion.Order[i-1], assertion.Order[i]),
				Actual: fmt.Sprintf("positions %d and %d",
					positions[i-1]+1, positions[i]+1),
				Audit: audit,
			}
		}
	}
	return nil
}

// assertFinalState checks a stored record by id or by attribute filter.
// A where filter must select exactly one record.
func assertFinalState(ctx context.Context, fc *middleware.FakedContext, assertion Assertion, captured map[string]uuid.UUID) error {
	record, err := findRecord(ctx, fc, assertion, captured)
	if err != nil {
		return err
	}

	if assertion.Absent {
		if record != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no %s record matching %s", assertion.Entity, describeSelector(assertion)),
				Actual:   fmt.Sprintf("found %s", record.ToReference()),
			}
		}
		return nil
	}
	if record == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s record matching %s", assertion.Entity, describeSelector(assertion)),
			Actual:   "record not found",
		}
	}

	expected := resolveCaptures(assertion.Expect, captured).(map[string]any)
	if msg := matchAttributes(record, expected); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s attributes %v", record.ToReference(), assertion.Expect),
			Actual:   msg,
		}
	}
	return nil
}

func findRecord(ctx context.Context, fc *middleware.FakedContext, assertion Assertion, captured map[string]uuid.UUID) (*xrm.Entity, error) {
	if assertion.ID != "" {
		id, err := resolveID(assertion.ID, captured)
		if err != nil {
			return nil, fmt.Errorf("final_state: %w", err)
		}
		e, err := fc.GetEntityByID(ctx, assertion.Entity, id)
		if errors.Is(err, xrm.ErrEntityNotFound) {
			return nil, nil
		}
		return e, err
	}

	all, err := fc.Store().ListEntities(ctx, assertion.Entity)
	if err != nil {
		return nil, fmt.Errorf("final_state: %w", err)
	}
	where := resolveCaptures(assertion.Where, captured).(map[string]any)
	var found []*xrm.Entity
	for _, e := range all {
		if matchAttributes(e, where) == "" {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one %s record where %s", assertion.Entity, formatWhere(assertion.Where)),
			Actual:   fmt.Sprintf("%d records matched (assertion is ambiguous)", len(found)),
		}
	}
}

// matchAttributes returns "" when e carries every expected attribute with
// an equal value (subset match), else a description of the first mismatch.
func matchAttributes(e *xrm.Entity, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want, err := xrm.ValueFromAny(expected[key])
		if err != nil {
			return fmt.Sprintf("field %q: %v", key, err)
		}
		got, ok := e.Get(key)
		if !ok {
			if _, isNull := want.(xrm.Null); isNull {
				continue
			}
			return fmt.Sprintf("field %q not present", key)
		}
		if !xrm.ValuesEqual(want, got) {
			return fmt.Sprintf("field %q = %v, want %v", key, xrm.Plain(got), xrm.Plain(want))
		}
	}
	return ""
}

func describeSelector(a Assertion) string {
	if a.ID != "" {
		return "id=" + a.ID
	}
	return formatWhere(a.Where)
}

// formatWhere creates a human-readable description of where conditions.
func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx          context.Context
	Context      *middleware.FakedContext
	AuditEnabled bool
	Captured     map[string]uuid.UUID
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertAuditCount, AssertAuditContains, AssertAuditOrder:
			if actx != nil && !actx.AuditEnabled {
				err = fmt.Errorf("assertion[%d]: %s requires use_plugin_step_audit", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertAuditCount:
				err = assertAuditCount(result.Audit, assertion)
			case AssertAuditContains:
				err = assertAuditContains(result.Audit, assertion)
			default:
				err = assertAuditOrder(result.Audit, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Context == nil || actx.Context.Store() == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a store", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Context, assertion, actx.Captured)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			failures = append(failures, err.Error())
		}
	}

	return failures
}
