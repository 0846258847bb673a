package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/smsgate/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and link-local
// ranges. The admin port exposes pprof and store sizes, so a misconfigured
// security group must not turn it into a public endpoint.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			deny(w, r, L, "unparseable remote address")
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			deny(w, r, L, "invalid remote ip")
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			deny(w, r, L, "public remote ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request rejected",
		"reason", reason,
		"network.peer.address", r.RemoteAddr,
		"url.path", r.URL.Path,
	)
	http.Error(w, "forbidden", http.StatusForbidden)
}
