package httpapi

import "net/http"

// ownerHeader is the upstream-injected header an authenticating reverse
// proxy is expected to set before a request reaches this process.
// Authentication itself is out of scope here; this is the one place that
// assumption is made concrete.
const ownerHeader = "X-Octolab-Owner-Id"

// ownerIDFromRequest resolves the caller's owner id from the upstream
// auth layer's injected header. Returns "" when absent, which every
// handler below treats as an authorization failure, not a 500.
func ownerIDFromRequest(r *http.Request) string {
	return r.Header.Get(ownerHeader)
}
