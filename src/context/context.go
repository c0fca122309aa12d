/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Package context implements the applet firewall domain and the
// interpreter's LIFO context list (spec.md §4.9, §3 "Context"). Grounded
// on the teacher's thread.ExecThread (one thread owns one stack, one
// current package) generalized to spec.md's cross-applet model: a
// Context additionally remembers its previous context so a cross-context
// invocation can restore it on return.
package context

import (
	"github.com/google/uuid"

	"jcvmcore/src/capfile"
	"jcvmcore/src/stack"
	"jcvmcore/src/vmerrors"
)

// Context holds the currently executing applet's identity, its stack,
// and its owning applet, per spec.md §3.
type Context struct {
	AppletID    uint8
	PackageID   capfile.PackageID
	Stack       *stack.Stack
	SessionID   uuid.UUID // log/trace disambiguation only; never compared by VM logic
	previousIdx int       // index into Contexts.list of the context to restore on return; -1 if none
}

// Contexts is the interpreter's LIFO list of active contexts. The active
// context is always its head (spec.md §4.9).
type Contexts struct {
	list []*Context
}

// NewContexts creates an empty context list.
func NewContexts() *Contexts { return &Contexts{} }

// Push installs ctx as the new current context, recording the previous
// head as its return target.
func (c *Contexts) Push(ctx *Context) {
	if len(c.list) > 0 {
		ctx.previousIdx = len(c.list) - 1
	} else {
		ctx.previousIdx = -1
	}
	c.list = append(c.list, ctx)
}

// PushFresh allocates and installs a brand-new Context for appletID,
// packageID, with its own Stack of the given size.
func (c *Contexts) PushFresh(appletID uint8, packageID capfile.PackageID, stackWords int) *Context {
	ctx := &Context{
		AppletID:  appletID,
		PackageID: packageID,
		Stack:     stack.New(stackWords),
		SessionID: uuid.New(),
	}
	c.Push(ctx)
	return ctx
}

// Current returns the active context, or nil if empty.
func (c *Contexts) Current() *Context {
	if len(c.list) == 0 {
		return nil
	}
	return c.list[len(c.list)-1]
}

// Pop discards the current context, restoring its previous context (if
// any) as current. Returns an error if the list is already empty.
func (c *Contexts) Pop() error {
	if len(c.list) == 0 {
		return vmerrors.New(vmerrors.Security, "context pop with no active context")
	}
	c.list = c.list[:len(c.list)-1]
	return nil
}

// Len returns the number of active contexts.
func (c *Contexts) Len() int { return len(c.list) }

// Firewall answers whether an access from the current context to an
// object owned by ownerContext is permitted. shareableGranted is
// supplied by the caller (the permission model itself -- which contexts
// have been granted Shareable-interface access to which -- is assumed
// enforced externally per spec.md §4.9; this function only distinguishes
// same-context from cross-context and applies that externally supplied
// grant).
func Firewall(currentContext, ownerContext uint8, shareableGranted bool, enabled bool) error {
	if !enabled {
		return nil
	}
	if currentContext == ownerContext {
		return nil
	}
	if shareableGranted {
		return nil
	}
	return vmerrors.New(vmerrors.Security, "firewall: cross-context access denied")
}
