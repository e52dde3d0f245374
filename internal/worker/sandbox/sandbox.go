// Package sandbox runs one handler invocation with job-local output capture
// and turns every failure mode (error return or panic) into an Outcome.
package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/jobctx"
	"github.com/cuongbtq/jobworker/internal/worker/registry"
)

// Execute invokes handler with payload. The job is reachable from the
// handler's context via jobctx.FromContext for exactly the duration of the
// call. Execute never panics and never returns an error; faults are data.
//
// Panics raised on goroutines the handler starts itself cannot be contained.
func Execute(ctx context.Context, job *jobctx.Job, handler registry.Handler, payload []byte) (out domain.Outcome) {
	start := time.Now()
	runCtx := jobctx.WithJob(ctx, job)

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Err = errors.Newf("panic: %v", r)
			out.ExceptionTrace = fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		}
		out.Stdout = job.CapturedStdout()
		out.Stderr = job.CapturedStderr()
		out.Duration = time.Since(start)
	}()

	if err := handler(runCtx, payload); err != nil {
		out.Err = err
		out.ExceptionTrace = FormatTrace(err)
		return out
	}

	out.Success = true
	return out
}

// FormatTrace renders err with its root-cause type and, for errors built
// with github.com/cockroachdb/errors, the stack recorded at creation.
func FormatTrace(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s\n", errors.UnwrapAll(err), err.Error())

	detail := fmt.Sprintf("%+v", err)
	if detail != err.Error() {
		b.WriteString("\n")
		b.WriteString(detail)
		if !strings.HasSuffix(detail, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
