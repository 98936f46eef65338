package proxy

import (
	"net/http"
	"strings"
)

// jupyterRewriter handles the notebook IDE's query-token auth.
//
// The upstream is started with base_url set to the internal prefix, so the
// only path surgery is the public-to-internal prefix swap; the session
// token is injected into the URL when the client has not supplied one.
type jupyterRewriter struct {
	info SessionInfo
}

func (j *jupyterRewriter) RewriteRequest(req *http.Request) {
	internal := j.info.InternalPath
	if internal == "" {
		internal = j.info.BasePath
	}
	if internal != j.info.BasePath && strings.HasPrefix(req.URL.Path, j.info.BasePath) {
		req.URL.Path = internal + strings.TrimPrefix(req.URL.Path, j.info.BasePath)
		req.URL.RawPath = ""
	}

	q := req.URL.Query()
	if q.Get("token") == "" && req.Header.Get("Authorization") == "" {
		q.Set("token", j.info.Token)
		req.URL.RawQuery = q.Encode()
	}
}

func (j *jupyterRewriter) RewriteResponse(resp *http.Response) error {
	return nil
}

func (j *jupyterRewriter) Transport() http.RoundTripper {
	return nil
}
