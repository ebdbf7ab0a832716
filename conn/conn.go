// Package conn implements the wire-level LDAP connection used by the session
// layer: message multiplexing over a single transport, request encoding and
// response decoding for the bind, search, delete, extended and unbind
// operations. BER encoding is delegated to github.com/userhive/asn1/ber.
package conn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ber "github.com/userhive/asn1/ber"
	"go.uber.org/zap"
)

// message loop operations.
const (
	messageQuit = iota
	messageRequest
	messageResponse
	messageFinish
	messageTimeout
)

// DefaultTimeout is the dial timeout used when no dialer is supplied.
var DefaultTimeout = 60 * time.Second

// PacketResponse contains the packet or error encountered while reading a
// response.
type PacketResponse struct {
	Packet *ber.Packet
	Error  error
}

// ReadPacket returns the packet or an error.
func (pr *PacketResponse) ReadPacket() (*ber.Packet, error) {
	if pr == nil || (pr.Packet == nil && pr.Error == nil) {
		return nil, NewError(ErrorNetwork, errors.New("could not retrieve response"))
	}
	return pr.Packet, pr.Error
}

// MessageContext tracks one outstanding request.
type MessageContext struct {
	id int64
	// done is closed only from FinishMessage.
	done chan struct{}
	// responses is closed only from the processMessages loop.
	responses chan *PacketResponse
}

// SendResponse delivers a packet to the request owner. It must only be
// called from the processMessages loop.
func (msgCtx *MessageContext) SendResponse(packet *PacketResponse) {
	select {
	case msgCtx.responses <- packet:
	case <-msgCtx.done:
		// the request owner is gone and will not read more packets
	}
}

type messagePacket struct {
	op        int
	messageID int64
	packet    *ber.Packet
	context   *MessageContext
}

type sendMessageFlags uint

const (
	startTLSFlag sendMessageFlags = 1 << iota
)

// Conn is a single LDAP connection. All exported methods are safe for
// concurrent use; the session layer above serializes operations per session.
type Conn struct {
	// requestTimeout is loaded atomically, keep it first for 64-bit
	// alignment on 32-bit platforms.
	requestTimeout      int64
	conn                net.Conn
	isTLS               bool
	closing             uint32
	closeErr            atomic.Value
	isStartingTLS       bool
	log                 *zap.Logger
	chanConfirm         chan struct{}
	messageContexts     map[int64]*MessageContext
	chanMessage         chan *messagePacket
	chanMessageID       chan int64
	wgClose             sync.WaitGroup
	outstandingRequests uint
	messageMutex        sync.Mutex
}

// DialOpt configures DialURL.
type DialOpt func(*DialContext)

// DialWithDialer sets the net.Dialer used to establish the connection.
func DialWithDialer(d *net.Dialer) DialOpt {
	return func(dc *DialContext) {
		dc.d = d
	}
}

// DialWithTLSConfig sets the tls.Config used for ldaps connections.
func DialWithTLSConfig(tc *tls.Config) DialOpt {
	return func(dc *DialContext) {
		dc.tc = tc
	}
}

// DialWithLogger sets the logger for the connection.
func DialWithLogger(log *zap.Logger) DialOpt {
	return func(dc *DialContext) {
		dc.log = log
	}
}

// DialContext contains the parameters needed to dial an LDAP URL.
type DialContext struct {
	d   *net.Dialer
	tc  *tls.Config
	log *zap.Logger
}

func (dc *DialContext) dial(u *url.URL) (net.Conn, error) {
	if u.Scheme == "ldapi" {
		if u.Path == "" || u.Path == "/" {
			u.Path = "/var/run/slapd/ldapi"
		}
		return dc.d.Dial("unix", u.Path)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		// assume a missing port
		host = u.Host
		port = ""
	}
	switch u.Scheme {
	case "ldap":
		if port == "" {
			port = "389"
		}
		return dc.d.Dial("tcp", net.JoinHostPort(host, port))
	case "ldaps":
		if port == "" {
			port = "636"
		}
		return tls.DialWithDialer(dc.d, "tcp", net.JoinHostPort(host, port), dc.tc)
	}
	return nil, fmt.Errorf("unknown scheme %q", u.Scheme)
}

// DialURL connects to the given LDAP URL. The ldap://, ldaps:// and ldapi://
// schemes are supported. On success a started Conn is returned.
func DialURL(addr string, opts ...DialOpt) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, NewError(ErrorNetwork, err)
	}
	var dc DialContext
	for _, opt := range opts {
		opt(&dc)
	}
	if dc.d == nil {
		dc.d = &net.Dialer{Timeout: DefaultTimeout}
	}
	c, err := dc.dial(u)
	if err != nil {
		return nil, NewError(ErrorNetwork, err)
	}
	conn := NewConn(c, u.Scheme == "ldaps")
	if dc.log != nil {
		conn.log = dc.log
	}
	conn.Start()
	return conn, nil
}

// NewConn returns a new Conn using c for network I/O. The caller must call
// Start before sending requests.
func NewConn(c net.Conn, isTLS bool) *Conn {
	return &Conn{
		conn:            c,
		log:             zap.NewNop(),
		chanConfirm:     make(chan struct{}),
		chanMessageID:   make(chan int64),
		chanMessage:     make(chan *messagePacket, 10),
		messageContexts: map[int64]*MessageContext{},
		isTLS:           isTLS,
	}
}

// Start launches the reader and message-dispatch goroutines.
func (c *Conn) Start() {
	c.wgClose.Add(1)
	go c.reader()
	go c.processMessages()
}

// IsClosing reports whether the connection is shutting down.
func (c *Conn) IsClosing() bool {
	return atomic.LoadUint32(&c.closing) == 1
}

func (c *Conn) setClosing() bool {
	return atomic.CompareAndSwapUint32(&c.closing, 0, 1)
}

// Close shuts down the message loop and closes the network connection. It is
// safe to call multiple times.
func (c *Conn) Close() {
	c.messageMutex.Lock()
	defer c.messageMutex.Unlock()
	if c.setClosing() {
		c.chanMessage <- &messagePacket{op: messageQuit}
		<-c.chanConfirm
		close(c.chanMessage)
		if err := c.conn.Close(); err != nil {
			c.log.Debug("close", zap.Error(err))
		}
		c.wgClose.Done()
	}
	c.wgClose.Wait()
}

// Unbind notifies the server that the client is done with the connection and
// then closes it. Errors encoding or writing the unbind request are
// returned, but the connection is closed regardless.
func (c *Conn) Unbind() error {
	var err error
	if !c.IsClosing() {
		var msgCtx *MessageContext
		msgCtx, err = c.Do(RequestFunc(func(envelope *ber.Packet) error {
			envelope.AppendChild(ber.NewPacket(ber.ClassApplication, ber.TypePrimitive, ApplicationUnbindRequest.Tag(), nil))
			return nil
		}))
		if err == nil {
			// there is no unbind response
			c.FinishMessage(msgCtx)
		}
	}
	c.Close()
	return err
}

// SetTimeout sets the duration after which an outstanding request fails with
// a timeout.
func (c *Conn) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		atomic.StoreInt64(&c.requestTimeout, int64(timeout))
	}
}

// nextMessageID returns the next available message ID.
func (c *Conn) nextMessageID() int64 {
	if messageID, ok := <-c.chanMessageID; ok {
		return messageID
	}
	return 0
}

// StartTLS sends the StartTLS extended operation and, on success, performs
// the TLS handshake in place.
func (c *Conn) StartTLS(config *tls.Config) error {
	if c.isTLS {
		return NewError(ErrorNetwork, errors.New("already encrypted"))
	}
	packet := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.nextMessageID()))
	request := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationExtendedRequest.Tag(), nil)
	request.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, OIDStartTLS))
	packet.AppendChild(request)
	msgCtx, err := c.SendMessageWithFlags(packet, startTLSFlag)
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packetResponse, ok := <-msgCtx.responses
	if !ok {
		return NewError(ErrorNetwork, errRespChanClosed)
	}
	packet, err = packetResponse.ReadPacket()
	if err != nil {
		return err
	}
	if err := GetError(packet); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		c.Close()
		return NewError(ErrorNetwork, fmt.Errorf("TLS handshake failed: %w", err))
	}
	c.isTLS = true
	c.conn = tlsConn
	go c.reader()
	return nil
}

// TLSConnectionState returns the connection's TLS state. ok is false if the
// connection is not encrypted.
func (c *Conn) TLSConnectionState() (state tls.ConnectionState, ok bool) {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return
	}
	return tc.ConnectionState(), true
}

// SendMessage queues a request packet and returns the context used to read
// its responses.
func (c *Conn) SendMessage(packet *ber.Packet) (*MessageContext, error) {
	return c.SendMessageWithFlags(packet, 0)
}

// SendMessageWithFlags queues a request packet with the given flags.
func (c *Conn) SendMessageWithFlags(packet *ber.Packet, flags sendMessageFlags) (*MessageContext, error) {
	if c.IsClosing() {
		return nil, NewError(ErrorNetwork, errors.New("connection closed"))
	}
	c.messageMutex.Lock()
	if c.isStartingTLS {
		c.messageMutex.Unlock()
		return nil, NewError(ErrorNetwork, errors.New("connection is in starttls phase"))
	}
	if flags&startTLSFlag != 0 {
		if c.outstandingRequests != 0 {
			c.messageMutex.Unlock()
			return nil, NewError(ErrorNetwork, errors.New("cannot StartTLS with outstanding requests"))
		}
		c.isStartingTLS = true
	}
	c.outstandingRequests++
	c.messageMutex.Unlock()
	responses := make(chan *PacketResponse)
	messageID := packet.Children[0].Value.(int64)
	message := &messagePacket{
		op:        messageRequest,
		messageID: messageID,
		packet:    packet,
		context: &MessageContext{
			id:        messageID,
			done:      make(chan struct{}),
			responses: responses,
		},
	}
	if !c.sendProcessMessage(message) {
		return nil, NewError(ErrorNetwork, errors.New("connection closed"))
	}
	return message.context, nil
}

// FinishMessage releases the message context of a completed request.
func (c *Conn) FinishMessage(msgCtx *MessageContext) {
	close(msgCtx.done)
	if c.IsClosing() {
		return
	}
	c.messageMutex.Lock()
	c.outstandingRequests--
	if c.isStartingTLS {
		c.isStartingTLS = false
	}
	c.messageMutex.Unlock()
	c.sendProcessMessage(&messagePacket{
		op:        messageFinish,
		messageID: msgCtx.id,
	})
}

func (c *Conn) sendProcessMessage(message *messagePacket) bool {
	c.messageMutex.Lock()
	defer c.messageMutex.Unlock()
	if c.IsClosing() {
		return false
	}
	c.chanMessage <- message
	return true
}

func (c *Conn) processMessages() {
	defer func() {
		if err := recover(); err != nil {
			c.log.Error("recovered panic in processMessages", zap.Any("err", err))
		}
		for messageID, msgCtx := range c.messageContexts {
			// if closing due to an error, tell anyone still waiting
			if c.IsClosing() && c.closeErr.Load() != nil {
				msgCtx.SendResponse(&PacketResponse{Error: c.closeErr.Load().(error)})
			}
			c.log.Debug("closing channel", zap.Int64("id", messageID))
			close(msgCtx.responses)
			delete(c.messageContexts, messageID)
		}
		close(c.chanMessageID)
		close(c.chanConfirm)
	}()
	var messageID int64 = 1
	for {
		select {
		case c.chanMessageID <- messageID:
			messageID++
		case message := <-c.chanMessage:
			switch message.op {
			case messageQuit:
				c.log.Debug("shutting down, quit message received")
				return
			case messageRequest:
				c.log.Debug("sending message", zap.Int64("id", message.messageID))
				if _, err := c.conn.Write(message.packet.Bytes()); err != nil {
					c.log.Debug("error sending message", zap.Error(err))
					message.context.SendResponse(&PacketResponse{Error: fmt.Errorf("unable to send request: %w", err)})
					close(message.context.responses)
					break
				}
				// only track contexts for successfully written messages
				c.messageContexts[message.messageID] = message.context
				if requestTimeout := time.Duration(atomic.LoadInt64(&c.requestTimeout)); requestTimeout > 0 {
					messageID := message.messageID
					go func() {
						time.Sleep(requestTimeout)
						c.sendProcessMessage(&messagePacket{
							op:        messageTimeout,
							messageID: messageID,
						})
					}()
				}
			case messageResponse:
				c.log.Debug("receiving message", zap.Int64("id", message.messageID))
				if msgCtx, ok := c.messageContexts[message.messageID]; ok {
					msgCtx.SendResponse(&PacketResponse{Packet: message.packet})
				} else {
					c.log.Debug("received unexpected message", zap.Int64("id", message.messageID), zap.Bool("closing", c.IsClosing()))
				}
			case messageTimeout:
				// close the channel so all reads return immediately
				if msgCtx, ok := c.messageContexts[message.messageID]; ok {
					c.log.Debug("request timed out", zap.Int64("id", message.messageID))
					msgCtx.SendResponse(&PacketResponse{Error: errors.New("connection timed out")})
					delete(c.messageContexts, message.messageID)
					close(msgCtx.responses)
				}
			case messageFinish:
				c.log.Debug("finished message", zap.Int64("id", message.messageID))
				if msgCtx, ok := c.messageContexts[message.messageID]; ok {
					delete(c.messageContexts, message.messageID)
					close(msgCtx.responses)
				}
			}
		}
	}
}

func (c *Conn) reader() {
	cleanstop := false
	defer func() {
		if err := recover(); err != nil {
			c.log.Error("recovered panic in reader", zap.Any("err", err))
		}
		if !cleanstop {
			c.Close()
		}
	}()
	for {
		if cleanstop {
			c.log.Debug("reader stopping without closing the connection")
			return
		}
		_, packet, err := ber.Parse(c.conn)
		if err != nil {
			// a read error is expected when the connection is closing
			if !c.IsClosing() {
				c.closeErr.Store(fmt.Errorf("unable to read LDAP response packet: %w", err))
				c.log.Debug("reader error", zap.Error(err))
			}
			return
		}
		if len(packet.Children) == 0 {
			c.log.Debug("received bad ldap packet")
			continue
		}
		messageID, ok := packet.Children[0].Value.(int64)
		if !ok {
			c.log.Debug("received packet without message id")
			continue
		}
		c.messageMutex.Lock()
		if c.isStartingTLS {
			cleanstop = true
		}
		c.messageMutex.Unlock()
		if !c.sendProcessMessage(&messagePacket{
			op:        messageResponse,
			messageID: messageID,
			packet:    packet,
		}) {
			return
		}
	}
}
