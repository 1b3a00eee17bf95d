// Package client is a minimal, public reference implementation of
// securegate's peer side: the Diffie-Hellman handshake responder and the
// encrypted record protocol, built on a plain net.Conn. Of this module's
// internal packages it uses only internal/wire (the Header/Error codec and
// the delimiter). It exists for external Go programs — load-test
// harnesses, integration tests, other services — that want to talk to a
// securegate server without reaching into internal/securechannel.
//
// It deliberately does not reuse internal/securechannel's host-side
// handshake sender: the protocol is asymmetric (the server always
// initiates), so this package only ever plays the peer (responder) role,
// implemented independently against net.Conn's blocking I/O.
//
// Quick Start:
//
//	c, err := client.Dial(client.Config{Addr: "localhost:8000"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.Ping(); err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := c.Call("/echo", []byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(string(resp))
package client

import (
	"crypto/cipher"
	"fmt"
	"net"
	"time"

	"github.com/ocx/securegate/internal/wire"
)

// defaultDialTimeout bounds both the TCP connect and the handshake, per
// Config.DialTimeout's zero-value default.
const defaultDialTimeout = 10 * time.Second

// Config configures a Dial call.
type Config struct {
	// Addr is the server's "host:port" address (required).
	Addr string

	// DialTimeout bounds the TCP connect and the handshake round trip.
	// Defaults to 10s.
	DialTimeout time.Duration
}

// Client is one handshaken connection to a securegate server. It is not
// safe for concurrent use: Call and Ping both send a request and then
// block reading the matching response, so concurrent callers would race
// over which response belongs to which request.
type Client struct {
	conn  net.Conn
	key   [32]byte
	block cipher.Block
	iv    []byte
}

// Dial connects to addr, completes the peer side of the handshake, and
// returns a ready-to-use Client.
func Dial(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("client: Config.Addr is required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.Addr, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	key, block, iv, err := peerHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return &Client{
		conn:  conn,
		key:   key,
		block: block,
		iv:    iv,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Key returns the derived 32-byte symmetric key, mainly useful for tests
// asserting both sides of a handshake agree.
func (c *Client) Key() [32]byte { return c.key }

func (c *Client) sendEncrypted(payload []byte, terminate bool) error {
	data := payload
	if terminate {
		data = append(append([]byte(nil), payload...), wire.Delimiter)
	}
	ciphertext := encryptRecord(c.block, c.iv, data)
	_, err := c.conn.Write(ciphertext)
	return err
}

func (c *Client) recvFrame() ([]byte, error) {
	frame, err := decodeRecord(c.conn, c.block, c.iv)
	if err != nil {
		return nil, err
	}
	return trimDelimiter(frame), nil
}

// Ping sends a liveness probe and verifies the server echoes the same
// header back, per the wire protocol's PING handling.
func (c *Client) Ping() error {
	h := wire.Header{Timestamp: uint64(time.Now().Unix()), Type: wire.MessageTypePing}
	encoded, err := h.Marshal()
	if err != nil {
		return err
	}
	if err := c.sendEncrypted(encoded, true); err != nil {
		return err
	}

	echoed, err := c.recvFrame()
	if err != nil {
		return err
	}
	if string(echoed) != string(encoded) {
		return fmt.Errorf("client: ping echo mismatch")
	}
	return nil
}

// Call sends a request to path with body and returns the response frame's
// raw bytes. A successful handler's payload and a CCNNN error envelope
// both arrive as an opaque delimited frame; use TryParseError to check
// whether the response is the latter before treating it as handler output.
func (c *Client) Call(path string, body []byte) ([]byte, error) {
	h := wire.Header{
		Timestamp: uint64(time.Now().Unix()),
		Type:      wire.MessageTypeRequest,
		Path:      path,
		Size:      uint32(len(body)),
	}
	encoded, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	if err := c.sendEncrypted(encoded, true); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if err := c.sendEncrypted(body, true); err != nil {
			return nil, err
		}
	}

	return c.recvFrame()
}

// TryParseError attempts to decode frame (as returned by Call) as a CCNNN
// error envelope. It returns ok=false when frame doesn't parse as one,
// which callers should then treat as ordinary handler output.
func TryParseError(frame []byte) (wire.Error, bool) {
	var env wire.Error
	if err := env.Unmarshal(frame); err != nil {
		return wire.Error{}, false
	}
	return env, true
}

func trimDelimiter(frame []byte) []byte {
	if n := len(frame); n > 0 && frame[n-1] == wire.Delimiter {
		return frame[:n-1]
	}
	return frame
}
