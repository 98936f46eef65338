package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsUpgrader upgrades the client side of a proxied WebSocket. Origin
// checking happened at the front door's auth layer.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWebSocket bridges a client WebSocket to the session's upstream.
// The path goes through the same per-IDE rewrite as HTTP; frames are copied
// verbatim in both directions.
func (h *Handle) ServeWebSocket(w http.ResponseWriter, req *http.Request) {
	// Run the request rewrite against a clone of the request so the upstream dial
	// URL carries the rewritten path and query (token injection included).
	outReq := req.Clone(req.Context())
	outReq.URL.Scheme = "http"
	outReq.URL.Host = "127.0.0.1:" + strconv.Itoa(h.LocalPort)
	h.rewriter.RewriteRequest(outReq)

	upstreamURL := url.URL{
		Scheme:   "ws",
		Host:     outReq.URL.Host,
		Path:     outReq.URL.Path,
		RawQuery: outReq.URL.RawQuery,
	}

	// Forward the headers the upstream needs, minus the hop-by-hop and
	// websocket handshake headers the dialer regenerates.
	header := http.Header{}
	for k, vs := range outReq.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     websocket.Subprotocols(req),
	}
	upstream, resp, err := dialer.Dial(upstreamURL.String(), header)
	if err != nil {
		h.logger.Error("websocket upstream dial failed", zap.Error(err))
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "websocket upstream unavailable", status)
		return
	}
	defer upstream.Close()

	responseHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	client, err := wsUpgrader.Upgrade(w, req, responseHeader)
	if err != nil {
		h.logger.Error("websocket client upgrade failed", zap.Error(err))
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go copyFrames(client, upstream, errc)
	go copyFrames(upstream, client, errc)

	// Either side closing tears down both; the second copy goroutine exits
	// on the deferred closes.
	<-errc
}

func copyFrames(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				deadline := time.Now().Add(2 * time.Second)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text), deadline)
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errc <- err
			return
		}
	}
}
