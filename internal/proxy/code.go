package proxy

import (
	"net/http"
	"strings"
)

// authCookies are the cookie names the editor upstream is known to set.
var authCookies = []string{"auth-tkn", "vscode-tkn"}

// codeRewriter handles the editor IDE's cookie-based auth.
//
// The upstream authenticates with a token passed once as a query parameter,
// after which it sets an auth cookie. Two failure modes need recovery: a
// client arriving with no cookie (first visit, or cookie scoped elsewhere)
// and a client holding a stale cookie from a previous IDE process. The
// first is handled on the request side by steering the base-path request
// through the token auth path; the second on the response side by turning
// the upstream's 403 into a redirect that clears the known cookies.
type codeRewriter struct {
	info SessionInfo
}

func (c *codeRewriter) RewriteRequest(req *http.Request) {
	path := stripPrefix(req.URL.Path, c.info.BasePath)

	if path == "/" && !c.hasValidCookie(req) {
		// Steer through the upstream's auth path so it sets a fresh cookie.
		q := req.URL.Query()
		q.Set("tkn", c.info.Token)
		req.URL.RawQuery = q.Encode()
	}

	req.URL.Path = path
	req.URL.RawPath = ""
}

func (c *codeRewriter) hasValidCookie(req *http.Request) bool {
	for _, name := range authCookies {
		if ck, err := req.Cookie(name); err == nil && ck.Value == c.info.Token {
			return true
		}
	}
	return false
}

func (c *codeRewriter) hasAnyAuthCookie(req *http.Request) bool {
	for _, name := range authCookies {
		if _, err := req.Cookie(name); err == nil {
			return true
		}
	}
	return false
}

func (c *codeRewriter) RewriteResponse(resp *http.Response) error {
	// A 403 against a presented cookie means the cookie outlived the IDE
	// process that minted it. Short-circuit into a redirect to the base
	// path with the stale cookies cleared; the retried request then goes
	// through the token auth path above.
	if resp.StatusCode == http.StatusForbidden && resp.Request != nil && c.hasAnyAuthCookie(resp.Request) {
		resp.StatusCode = http.StatusFound
		resp.Status = http.StatusText(http.StatusFound)
		resp.Header = http.Header{}
		resp.Header.Set("Location", c.info.BasePath+"/")
		for _, name := range authCookies {
			resp.Header.Add("Set-Cookie",
				name+"=; Path="+c.info.BasePath+"; Expires=Thu, 01 Jan 1970 00:00:00 GMT")
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		resp.Body = http.NoBody
		resp.ContentLength = 0
		resp.Header.Set("Content-Length", "0")
		return nil
	}

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, 0, len(cookies))
		for _, sc := range cookies {
			rewritten = append(rewritten, rewriteCookiePath(sc, c.info.BasePath))
		}
		resp.Header.Del("Set-Cookie")
		for _, sc := range rewritten {
			resp.Header.Add("Set-Cookie", sc)
		}
	}

	// Root-relative redirects must stay under the proxy prefix.
	if loc := resp.Header.Get("Location"); strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, c.info.BasePath) {
		resp.Header.Set("Location", c.info.BasePath+loc)
	}
	return nil
}

func (c *codeRewriter) Transport() http.RoundTripper {
	return nil
}
