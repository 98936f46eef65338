package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// rstudioRewriter handles the R IDE: no login, loaded inside an iframe.
//
// The upstream signs its cookies with an HMAC over (name, value, path), so
// the original Path attribute must be preserved exactly; only Secure and
// SameSite=None are added so the cookies survive cross-context iframe
// loading. Redirects pointing at the internal port or the configured
// external host are rewritten back onto the session's proxy prefix.
type rstudioRewriter struct {
	info SessionInfo
}

func (r *rstudioRewriter) RewriteRequest(req *http.Request) {
	req.URL.Path = stripPrefix(req.URL.Path, r.info.BasePath)
	req.URL.RawPath = ""
	// Tell the upstream its public base path so self-referencing URLs it
	// generates stay inside the proxy chain.
	req.Header.Set("X-RStudio-Root-Path", r.info.BasePath)
}

func (r *rstudioRewriter) RewriteResponse(resp *http.Response) error {
	// Iframe hosting: the upstream denies framing by default.
	resp.Header.Del("X-Frame-Options")

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, 0, len(cookies))
		for _, sc := range cookies {
			rewritten = append(rewritten, crossContextCookie(sc))
		}
		resp.Header.Del("Set-Cookie")
		for _, sc := range rewritten {
			resp.Header.Add("Set-Cookie", sc)
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", r.rewriteLocation(loc))
	}
	return nil
}

// crossContextCookie adds Secure and SameSite=None, preserving every other
// attribute. Path in particular participates in the upstream's cookie HMAC.
func crossContextCookie(setCookie string) string {
	hasSecure, hasSameSite := false, false
	for _, part := range strings.Split(setCookie, ";") {
		lower := strings.ToLower(strings.TrimSpace(part))
		if lower == "secure" {
			hasSecure = true
		}
		if strings.HasPrefix(lower, "samesite=") {
			hasSameSite = true
		}
	}
	out := setCookie
	if !hasSecure {
		out += "; Secure"
	}
	if !hasSameSite {
		out += "; SameSite=None"
	}
	return out
}

// rewriteLocation strips absolute URLs pointing at the tunnel endpoint or
// the external host, and prefixes root-relative redirects with the
// session's base path.
func (r *rstudioRewriter) rewriteLocation(loc string) string {
	if u, err := url.Parse(loc); err == nil && u.IsAbs() {
		internal := "127.0.0.1:" + strconv.Itoa(r.info.LocalPort)
		if u.Host == internal || u.Host == "localhost:"+strconv.Itoa(r.info.LocalPort) ||
			(r.info.ExternalHost != "" && u.Host == r.info.ExternalHost) {
			loc = u.RequestURI()
		} else {
			return loc
		}
	}
	if strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, r.info.BasePath) {
		loc = r.info.BasePath + loc
	}
	return loc
}

// Transport disables keepalive: the upstream answers long-poll responses
// with Connection: close, and pooled connections amplify body-after-close
// errors.
func (r *rstudioRewriter) Transport() http.RoundTripper {
	return &http.Transport{DisableKeepAlives: true}
}
