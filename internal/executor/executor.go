// Package executor adapts each CC engine's distinct Go API to the single
// shape spec.md §6 describes for the collaborator a Workload's Transaction
// drives: read/update/insert/remove/commit/abort/reset.
//
// Every engine package (occ, tictoc, mvcc, tpl, courier, couriersave) keeps
// its own method names and signatures close to the spec's per-engine
// pseudocode; this package is where those six shapes converge on one
// interface so internal/txnmanager and internal/workload never need to know
// which variant is running.
package executor

import (
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
)

// Executor is the interface a Workload's Transaction.Run consumes.
type Executor interface {
	Read(key storage.AbstractKey) ([]byte, bool)
	Update(key storage.AbstractKey, src []byte, offset uint16) bool
	Insert(key storage.AbstractKey, src []byte) bool
	Remove(key storage.AbstractKey) bool
	Commit() bool
	Abort()
	Reset()
}

// engineOps is the access/mutation surface every engine package exposes
// identically (occ.Engine, tictoc.Engine, mvcc.ThreadEngine, tpl.Engine,
// courier.Engine, couriersave.Engine; mvcc.Engine's own Begin takes a
// thread ID, so MVCC is driven through its per-thread ThreadEngine).
type engineOps interface {
	Begin(*txctx.Ctx)
	Read(*txctx.Ctx, storage.AbstractKey) ([]byte, bool)
	Write(*txctx.Ctx, storage.AbstractKey, []byte, uint16) bool
	Insert(*txctx.Ctx, storage.AbstractKey, []byte) bool
	Delete(*txctx.Ctx, storage.AbstractKey) bool
}

// Plain wraps a direct-apply engine (OCC, TicToc, MVCC, TPL): its Commit
// closes over a *walog.Allocator the caller owns, passed in as an opaque
// value so this package needn't import walog.
type Plain struct {
	engine engineOps
	ctx    *txctx.Ctx
	commit func(*txctx.Ctx) bool
	abort  func(*txctx.Ctx)
}

// NewPlain builds an Executor over engine e. commit/abort are thin closures
// supplied by the caller (typically `func(c *txctx.Ctx) bool { return
// e.Commit(c, alloc) }`) so this package never needs to know each engine's
// concrete allocator type.
func NewPlain(e engineOps, ctx *txctx.Ctx, commit func(*txctx.Ctx) bool, abort func(*txctx.Ctx)) *Plain {
	return &Plain{engine: e, ctx: ctx, commit: commit, abort: abort}
}

func (p *Plain) Read(key storage.AbstractKey) ([]byte, bool) { return p.engine.Read(p.ctx, key) }
func (p *Plain) Update(key storage.AbstractKey, src []byte, offset uint16) bool {
	return p.engine.Write(p.ctx, key, src, offset)
}
func (p *Plain) Insert(key storage.AbstractKey, src []byte) bool {
	return p.engine.Insert(p.ctx, key, src)
}
func (p *Plain) Remove(key storage.AbstractKey) bool { return p.engine.Delete(p.ctx, key) }
func (p *Plain) Commit() bool                        { return p.commit(p.ctx) }
func (p *Plain) Abort()                              { p.abort(p.ctx) }
func (p *Plain) Reset()                              { p.engine.Begin(p.ctx) }

// Deferred wraps a Courier-family worker (*courier.Worker /
// *couriersave.Worker), whose Commit/Abort already close over the owning
// goroutine's ThreadBuffer and log page.
type Deferred struct {
	engine engineOps
	ctx    *txctx.Ctx
	commit func(*txctx.Ctx) bool
	abort  func(*txctx.Ctx)
}

// NewDeferred builds an Executor over a Courier/Courier-Save engine plus
// the calling goroutine's *Worker, again via thin closures
// (`func(c *txctx.Ctx) bool { return w.Commit(c) }`) to avoid this package
// depending on internal/persist or internal/walog.
func NewDeferred(e engineOps, ctx *txctx.Ctx, commit func(*txctx.Ctx) bool, abort func(*txctx.Ctx)) *Deferred {
	return &Deferred{engine: e, ctx: ctx, commit: commit, abort: abort}
}

func (d *Deferred) Read(key storage.AbstractKey) ([]byte, bool) { return d.engine.Read(d.ctx, key) }
func (d *Deferred) Update(key storage.AbstractKey, src []byte, offset uint16) bool {
	return d.engine.Write(d.ctx, key, src, offset)
}
func (d *Deferred) Insert(key storage.AbstractKey, src []byte) bool {
	return d.engine.Insert(d.ctx, key, src)
}
func (d *Deferred) Remove(key storage.AbstractKey) bool { return d.engine.Delete(d.ctx, key) }
func (d *Deferred) Commit() bool                        { return d.commit(d.ctx) }
func (d *Deferred) Abort()                              { d.abort(d.ctx) }
func (d *Deferred) Reset()                               { d.engine.Begin(d.ctx) }
