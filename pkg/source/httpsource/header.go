package httpsource

import "net/http"

// skipRequest is the set of caller-supplied headers that are not forwarded
// upstream.
var skipRequest = map[string]struct{}{
	// Hop-by-hop.
	"Connection": {},

	// Rewritten by http.Transport to match the upstream URL.
	"Host": {},

	// Stripped so http.Transport negotiates gzip itself and decompresses
	// the response transparently.
	"Accept-Encoding": {},

	// Body length is derived from Request.Body.
	"Content-Length": {},
}

// setRequestHeaders copies h onto req, dropping headers in skipRequest.
func setRequestHeaders(h http.Header, req *http.Request) {
	for k, v := range h {
		k = http.CanonicalHeaderKey(k)
		if _, skip := skipRequest[k]; skip {
			continue
		}
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
}
