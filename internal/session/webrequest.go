package session

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"devtunnel/internal/constants"
	"devtunnel/internal/headers"
)

// WebRequest is one accepted public connection waiting to be relayed.
//
// The embedded mutex marks who currently does I/O on the connection: the
// listener while enqueueing, the exchange while relaying, the sweep while
// expiring. The sweep only ever uses TryLock.
type WebRequest struct {
	sync.Mutex

	ID      string
	Headers *headers.Headers

	conn      net.Conn
	reader    *bufio.Reader
	headerErr error
	arrived   time.Time
	closeOnce sync.Once
}

// NewWebRequest reads the request headers from conn with headerTimeout
// as read deadline, then moves the deadline to bodyTimeout. An
// "Expect: 100-continue" request is answered here.
func NewWebRequest(id string, conn net.Conn, headerTimeout, bodyTimeout time.Duration) *WebRequest {
	wr := &WebRequest{
		ID:      id,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, constants.BufioReaderSize),
		arrived: time.Now(),
	}

	_ = conn.SetReadDeadline(time.Now().Add(headerTimeout))
	wr.Headers, wr.headerErr = headers.Parse(wr.reader)
	wr.Extend(bodyTimeout)

	if v, ok := wr.Headers.Get(constants.HeaderExpect); ok && strings.EqualFold(v, constants.ExpectContinue) {
		wr.Headers.Remove(constants.HeaderExpect)
		_, _ = io.WriteString(conn, constants.ContinueResponse)
	}
	return wr
}

// HasHeaders reports whether the peer sent at least a request line.
func (wr *WebRequest) HasHeaders() bool {
	return wr.headerErr == nil && !wr.Headers.Empty()
}

func (wr *WebRequest) HeaderError() error {
	return wr.headerErr
}

// FirstLine is the request line, or "" when none arrived.
func (wr *WebRequest) FirstLine() string {
	line, _ := wr.Headers.FirstLine()
	return line
}

// Body reads what follows the header block.
func (wr *WebRequest) Body() io.Reader {
	return wr.reader
}

func (wr *WebRequest) Write(p []byte) (int, error) {
	return wr.conn.Write(p)
}

// Extend pushes both deadlines d into the future.
func (wr *WebRequest) Extend(d time.Duration) {
	_ = wr.conn.SetDeadline(time.Now().Add(d))
}

func (wr *WebRequest) SetReadDeadline(t time.Time) {
	_ = wr.conn.SetReadDeadline(t)
}

func (wr *WebRequest) RemoteAddr() string {
	if addr := wr.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (wr *WebRequest) Arrived() time.Time {
	return wr.arrived
}

// StartedTooLongAgo reports whether the connection has waited longer than limit.
func (wr *WebRequest) StartedTooLongAgo(limit time.Duration) bool {
	return time.Since(wr.arrived) > limit
}

func (wr *WebRequest) Close() error {
	var err error
	wr.closeOnce.Do(func() {
		err = wr.conn.Close()
	})
	return err
}
