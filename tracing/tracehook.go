// Package tracing turns server and client hooks into trace rows and running
// statistics.
package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/qserver/sim/hooking"
)

// NamedHookable is a hookable with a name.
type NamedHookable interface {
	hooking.Hookable
	Name() string
}

// CollectTrace attaches tracer to domain. Attaching the same tracer twice
// panics.
func CollectTrace(domain NamedHookable, tracer hooking.Hook) {
	for _, h := range domain.Hooks() {
		if h == tracer {
			panic(fmt.Sprintf("domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(tracer)
}

func domainName(ctx hooking.HookCtx) string {
	if named, ok := ctx.Domain.(interface{ Name() string }); ok {
		return named.Name()
	}

	return ""
}
