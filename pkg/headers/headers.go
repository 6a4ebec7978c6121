package headers

import "net/http"

const (
	// HeaderKeyWorkerName identifies the worker instance making a
	// worker-actions call.
	HeaderKeyWorkerName = "X-Runlane-Worker-Name"

	// HeaderKeyServerKind tells consumers what kind of server they are
	// talking to.
	HeaderKeyServerKind = "X-Runlane-Server-Kind"
)

const (
	ServerKindCloud = "cloud"
	ServerKindDev   = "dev"
)

func StaticHeadersMiddleware(serverKind string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderKeyServerKind, serverKind)
			next.ServeHTTP(w, r)
		})
	}
}
