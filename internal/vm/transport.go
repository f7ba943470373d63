// Package vm implements the client side of the VM debug service protocol.
//
// The package provides:
//   - Transport: Framed message exchange over TCP or a websocket
//   - Connect: Connect-with-retry bounded by a time budget
//   - Client: Request/response correlation and ordered event fan-out
//   - Event: The closed set of unsolicited messages the VM sends
//
// Messages are JSON objects. Requests carry a numeric id that the VM echoes
// in its response; events carry an "event" name and never an id.
package vm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-dap"
	"github.com/gorilla/websocket"
)

// Transport moves whole protocol messages to and from the VM.
// WriteMessage may be called from many goroutines; ReadMessage is only
// called by the client's reader.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc opens one transport to the VM at address.
type DialFunc func(ctx context.Context, address string) (Transport, error)

// streamTransport frames messages on a byte stream with Content-Length
// headers.
type streamTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewStreamTransport wraps an established stream connection.
func NewStreamTransport(conn net.Conn) Transport {
	return &streamTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// DialTCP connects a Content-Length framed stream transport.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn), nil
}

func (t *streamTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := dap.WriteBaseMessage(t.writer, data); err != nil {
		return fmt.Errorf("failed to write VM message: %w", err)
	}

	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush VM message: %w", err)
	}

	return nil
}

func (t *streamTransport) ReadMessage() ([]byte, error) {
	data, err := dap.ReadBaseMessage(t.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read VM message: %w", err)
	}
	return data, nil
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

// wsTransport sends one message per websocket text frame.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

// DialWebSocket returns a DialFunc connecting to ws://address+path.
func DialWebSocket(path string) DialFunc {
	return func(ctx context.Context, address string) (Transport, error) {
		url := fmt.Sprintf("ws://%s%s", address, path)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return NewWebSocketTransport(conn), nil
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write VM message: %w", err)
	}
	return nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read VM message: %w", err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	// best effort; the peer may already be gone
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "debugger detached"))
	t.mu.Unlock()
	return t.conn.Close()
}
