package conn

import (
	"errors"

	ber "github.com/userhive/asn1/ber"
	"go.uber.org/zap"
)

var (
	errRespChanClosed = errors.New("response channel closed")
	errCouldNotRetMsg = errors.New("could not retrieve message")
)

// Request is a type that can append itself to a request envelope.
type Request interface {
	AppendTo(*ber.Packet) error
}

// RequestFunc is a Request func.
type RequestFunc func(*ber.Packet) error

// AppendTo satisfies the Request interface.
func (f RequestFunc) AppendTo(p *ber.Packet) error {
	return f(p)
}

// Do encodes req into a fresh envelope and queues it for sending.
func (c *Conn) Do(req Request) (*MessageContext, error) {
	packet := ber.NewPacket(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil)
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.nextMessageID()))
	if err := req.AppendTo(packet); err != nil {
		return nil, err
	}
	msgCtx, err := c.SendMessage(packet)
	if err != nil {
		return nil, err
	}
	c.log.Debug("request queued", zap.Int64("id", msgCtx.id))
	return msgCtx, nil
}

// ReadPacket reads the next response packet for the given message context.
func (c *Conn) ReadPacket(msgCtx *MessageContext) (*ber.Packet, error) {
	packetResponse, ok := <-msgCtx.responses
	if !ok {
		return nil, NewError(ErrorNetwork, errRespChanClosed)
	}
	packet, err := packetResponse.ReadPacket()
	if err != nil {
		return nil, err
	}
	if packet == nil {
		return nil, NewError(ErrorNetwork, errCouldNotRetMsg)
	}
	return packet, nil
}

// Application is the LDAP application type.
type Application int

// Application values.
const (
	ApplicationBindRequest           Application = 0
	ApplicationBindResponse          Application = 1
	ApplicationUnbindRequest         Application = 2
	ApplicationSearchRequest         Application = 3
	ApplicationSearchResultEntry     Application = 4
	ApplicationSearchResultDone      Application = 5
	ApplicationModifyRequest         Application = 6
	ApplicationModifyResponse        Application = 7
	ApplicationAddRequest            Application = 8
	ApplicationAddResponse           Application = 9
	ApplicationDelRequest            Application = 10
	ApplicationDelResponse           Application = 11
	ApplicationModifyDNRequest       Application = 12
	ApplicationModifyDNResponse      Application = 13
	ApplicationCompareRequest        Application = 14
	ApplicationCompareResponse       Application = 15
	ApplicationAbandonRequest        Application = 16
	ApplicationSearchResultReference Application = 19
	ApplicationExtendedRequest       Application = 23
	ApplicationExtendedResponse      Application = 24
)

// Tag returns the application as a ber.Tag.
func (app Application) Tag() ber.Tag {
	return ber.Tag(app)
}

// Extended operation OIDs.
const (
	OIDStartTLS = "1.3.6.1.4.1.1466.20037"
	OIDWhoAmI   = "1.3.6.1.4.1.4203.1.11.3"
)
