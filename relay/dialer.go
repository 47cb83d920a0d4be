package relay

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// Conn is one relay room socket. Message order within a connection is
// preserved by the transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens relay room sockets. Injected so the room state machine can
// be exercised without a network, and so the anonymizing transport can
// substitute a proxied dialer.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

const defaultHandshakeTimeout = 15 * time.Second

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}

// WebsocketDialer dials relay rooms directly.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) DialContext(ctx context.Context, url string) (
	Conn,
	error,
) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}

	return &websocketConn{conn: conn}, nil
}

// NewProxiedDialer routes relay sockets through a SOCKS5 proxy, giving the
// anonymizing transport: the relay sees the proxy's address, not ours.
func NewProxiedDialer(proxyAddr string) (*WebsocketDialer, error) {
	socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "proxied dialer")
	}

	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, errors.Wrap(
			errors.New("proxy does not support context dialing"),
			"proxied dialer",
		)
	}

	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
			NetDialContext: func(
				ctx context.Context,
				network, addr string,
			) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
			Proxy: http.ProxyFromEnvironment,
		},
	}, nil
}

var _ Dialer = (*WebsocketDialer)(nil)
