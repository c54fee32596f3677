package engine

import (
	"context"
	"time"

	"github.com/picklr-io/lampstack/internal/ir"
)

// DefaultTimeout bounds one provider call for a resource that declares no
// timeout of its own. EC2 instances reach running well inside it.
const DefaultTimeout = 30 * time.Minute

// resourceTimeout is the resource's declared timeout. Validate rejects bad
// values, so an unparsable one here only comes from a saved plan.
func resourceTimeout(res *ir.Resource) time.Duration {
	if res == nil || res.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(res.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// withResourceTimeout derives the context for one create, update or delete.
func withResourceTimeout(ctx context.Context, res *ir.Resource) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, resourceTimeout(res))
}
