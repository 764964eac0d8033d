// Package testplugins holds sample plugins used by tests, scenarios and
// the CLI.
package testplugins

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

var (
	// ErrAccountNumberSet is returned by AccountNumberPlugin when the
	// target already carries an account number.
	ErrAccountNumberSet = errors.New("account number can only be set by the system")

	// ErrNameRequired is returned by ValidateNamePlugin.
	ErrNameRequired = errors.New("name is required")

	// ErrPluginFailed is the default FailingPlugin error.
	ErrPluginFailed = errors.New("plugin failed")
)

// AccountNumberPlugin stamps an account number onto account targets. The
// number is derived from the account name so runs are repeatable.
type AccountNumberPlugin struct{}

// Execute implements pipeline.Plugin.
func (AccountNumberPlugin) Execute(_ context.Context, exec *pipeline.ExecutionContext) error {
	target := exec.TargetEntity()
	if target == nil || target.LogicalName != "account" {
		return nil
	}
	if target.Contains("accountnumber") {
		return ErrAccountNumberSet
	}
	target.Set("accountnumber", xrm.String(AccountNumber(target.GetString("name"))))
	return nil
}

// AccountNumber returns the number AccountNumberPlugin assigns for name.
func AccountNumber(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("AN-%08X", h.Sum32())
}

// FollowupPlugin creates a follow-up task regarding every created record.
// Register it on Create Postoperation; the task create is a nested request.
type FollowupPlugin struct{}

// Execute implements pipeline.Plugin.
func (FollowupPlugin) Execute(ctx context.Context, exec *pipeline.ExecutionContext) error {
	if exec.Service == nil {
		return errors.New("followup: no organization service")
	}
	created := exec.PostImage()
	if created == nil || created.LogicalName == "task" {
		return nil
	}

	task := xrm.NewEntity("task").
		Set("subject", xrm.String("Follow up: "+created.GetString("name"))).
		Set("regardingobjectid", xrm.Ref(created.ToReference()))
	if _, err := exec.Service.Execute(ctx, &xrm.CreateRequest{Target: task}); err != nil {
		return fmt.Errorf("followup: %w", err)
	}
	return nil
}

// ValidateNamePlugin rejects targets without a non-empty name.
type ValidateNamePlugin struct{}

// Execute implements pipeline.Plugin.
func (ValidateNamePlugin) Execute(_ context.Context, exec *pipeline.ExecutionContext) error {
	target := exec.TargetEntity()
	if target == nil {
		return nil
	}
	if target.GetString("name") == "" {
		return fmt.Errorf("%s: %w", target.LogicalName, ErrNameRequired)
	}
	return nil
}

// FailingPlugin always fails with Err, or ErrPluginFailed when Err is nil.
type FailingPlugin struct {
	Err error
}

// Execute implements pipeline.Plugin.
func (p FailingPlugin) Execute(context.Context, *pipeline.ExecutionContext) error {
	if p.Err != nil {
		return p.Err
	}
	return ErrPluginFailed
}

// NoopPlugin does nothing.
type NoopPlugin struct{}

// Execute implements pipeline.Plugin.
func (NoopPlugin) Execute(context.Context, *pipeline.ExecutionContext) error {
	return nil
}

// Invocation is what ImageCapture saw on one call.
type Invocation struct {
	Stage       pipeline.Stage
	Mode        pipeline.Mode
	MessageName string
	Depth       int
	PreImage    *xrm.Entity
	PostImage   *xrm.Entity
	PreImages   map[string]*xrm.Entity
	PostImages  map[string]*xrm.Entity
}

// ImageCapture records the images it receives. Safe for concurrent use.
type ImageCapture struct {
	mu    sync.Mutex
	calls []Invocation
}

// Execute implements pipeline.Plugin.
func (c *ImageCapture) Execute(_ context.Context, exec *pipeline.ExecutionContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Invocation{
		Stage:       exec.Stage,
		Mode:        exec.Mode,
		MessageName: exec.MessageName,
		Depth:       exec.Depth,
		PreImage:    exec.PreImage(),
		PostImage:   exec.PostImage(),
		PreImages:   exec.PreEntityImages,
		PostImages:  exec.PostEntityImages,
	})
	return nil
}

// Calls returns a copy of the recorded invocations.
func (c *ImageCapture) Calls() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.calls...)
}

var catalog = map[string]func() pipeline.Plugin{
	"AccountNumberPlugin": func() pipeline.Plugin { return AccountNumberPlugin{} },
	"FollowupPlugin":      func() pipeline.Plugin { return FollowupPlugin{} },
	"ValidateNamePlugin":  func() pipeline.Plugin { return ValidateNamePlugin{} },
	"FailingPlugin":       func() pipeline.Plugin { return FailingPlugin{} },
	"NoopPlugin":          func() pipeline.Plugin { return NoopPlugin{} },
}

// Lookup returns a new instance of the named plugin.
func Lookup(name string) (pipeline.Plugin, bool) {
	ctor, ok := catalog[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Names returns the catalog names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
