package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Recover turns a handler panic into a 500 JSON response, logs it with the
// panic stack and calls onPanic when set. http.ErrAbortHandler is re-panicked
// so net/http can abort the connection as intended.
func Recover(base log.Logger, onPanic func()) Middleware {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				// prefer the request-scoped logger, it carries the request id
				L := log.FromContext(r.Context())
				if L == log.Nop() {
					L = base
				}
				L.Error(r.Context(), xerrors.Wrap(err, "handler panic"), "httpserver panic recovered",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_stack", string(debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
