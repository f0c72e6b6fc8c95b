package api

import (
	"net/http"
	"strings"

	"bootvault/services/boot"
)

func (a *API) handleBootEntry(w http.ResponseWriter, r *http.Request) {
	respondText(w, a.store.Resolver.Entry().Script)
}

// handleBootResolve always answers 200 text/plain: firmware only understands scripts, so a
// rejection is the retry script rather than an HTTP error.
func (a *API) handleBootResolve(w http.ResponseWriter, r *http.Request) {
	res := a.store.Resolver.Resolve(r.Context(), bootRequest(r))
	respondText(w, res.Script)
}

// handleBootLimited answers boot requests over the per-IP limit. Firmware still gets a script:
// the entry script on entry routes, and a recorded rejection on resolve.
func (a *API) handleBootLimited(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/boot/resolve" {
		respondText(w, a.store.Resolver.Entry().Script)
		return
	}
	a.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("boot resolve rate limited")
	res := a.store.Resolver.Reject(r.Context(), bootRequest(r), boot.ReasonRateLimited)
	respondText(w, res.Script)
}

func bootRequest(r *http.Request) boot.Request {
	q := r.URL.Query()
	req := bootResolveRequest{
		Username: q.Get("username"),
		Password: q.Get("password"),
		MAC:      strings.ToLower(strings.TrimSpace(q.Get("mac"))),
	}
	return boot.Request{
		Principal:        req.Username,
		Secret:           req.Password,
		ClientIdentifier: req.MAC,
		RemoteAddr:       r.RemoteAddr,
		UserAgent:        r.UserAgent(),
	}
}
