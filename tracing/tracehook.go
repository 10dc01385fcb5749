package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/uvmm/hooking"
	"github.com/sarchlab/uvmm/vmm"
)

// CollectTrace lets the tracer collect the events of a domain.
func CollectTrace(domain hooking.Hookable, tracer Tracer) {
	hooks := domain.Hooks()
	for _, hook := range hooks {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	h := traceHook{t: tracer}
	domain.AcceptHook(&h)
}

// A traceHook forwards manager events to a tracer.
type traceHook struct {
	t Tracer
}

// Func calls the tracer interfaces when the hook is triggered
func (h *traceHook) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case vmm.HookPosFault:
		h.t.Fault(ctx.Item.(vmm.FaultEvent))
	case vmm.HookPosTrim:
		h.t.Trim(ctx.Item.(vmm.TrimEvent))
	case vmm.HookPosWriteBatch:
		h.t.WriteBatch(ctx.Item.(vmm.WriteBatchEvent))
	case vmm.HookPosReclaim:
		h.t.Reclaim(ctx.Item.(vmm.ReclaimEvent))
	}
}
