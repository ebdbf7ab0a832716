package conn

import (
	"fmt"

	ber "github.com/userhive/asn1/ber"
)

// DelRequest is an LDAP delete request.
type DelRequest struct {
	// DN is the name of the directory entry to delete.
	DN string
}

// AppendTo satisfies the Request interface.
func (req *DelRequest) AppendTo(envelope *ber.Packet) error {
	pkt := ber.NewPacket(ber.ClassApplication, ber.TypePrimitive, ApplicationDelRequest.Tag(), req.DN)
	pkt.Data.Write([]byte(req.DN))
	envelope.AppendChild(pkt)
	return nil
}

// Del deletes the entry named by dn.
func (c *Conn) Del(dn string) error {
	msgCtx, err := c.Do(&DelRequest{DN: dn})
	if err != nil {
		return err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return err
	}
	if len(packet.Children) < 2 {
		return NewError(ErrorUnexpectedResponse, fmt.Errorf("invalid response envelope"))
	}
	if packet.Children[1].Tag != ApplicationDelResponse.Tag() {
		return NewError(ErrorUnexpectedResponse, fmt.Errorf("unexpected response tag %d", packet.Children[1].Tag))
	}
	return GetError(packet)
}
