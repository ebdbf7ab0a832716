package conn

import (
	"fmt"

	ber "github.com/userhive/asn1/ber"
)

// WhoAmI performs the Who Am I extended operation (RFC 4532) and returns the
// authorization identity the server associates with the connection. The
// returned string is empty for an anonymous session.
func (c *Conn) WhoAmI() (string, error) {
	req := RequestFunc(func(envelope *ber.Packet) error {
		pkt := ber.NewPacket(ber.ClassApplication, ber.TypeConstructed, ApplicationExtendedRequest.Tag(), nil)
		pkt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, OIDWhoAmI))
		envelope.AppendChild(pkt)
		return nil
	})
	msgCtx, err := c.Do(req)
	if err != nil {
		return "", err
	}
	defer c.FinishMessage(msgCtx)
	packet, err := c.ReadPacket(msgCtx)
	if err != nil {
		return "", err
	}
	if len(packet.Children) < 2 {
		return "", NewError(ErrorUnexpectedResponse, fmt.Errorf("invalid response envelope"))
	}
	res := packet.Children[1]
	if res.Tag != ApplicationExtendedResponse.Tag() {
		return "", NewError(ErrorUnexpectedResponse, fmt.Errorf("unexpected response tag %d", res.Tag))
	}
	if err := GetError(packet); err != nil {
		return "", err
	}
	// The authorization identity rides in the optional responseValue.
	for _, child := range res.Children {
		if child.Class == ber.ClassContext && child.Tag == 11 {
			return child.Data.String(), nil
		}
	}
	return "", nil
}
