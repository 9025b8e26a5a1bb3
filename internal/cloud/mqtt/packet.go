package mqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

// IsAuthRefused broker rejected credentials, retry with same token is pointless.
func IsAuthRefused(code packet.ConnackCode) bool {
	switch code {
	case packet.BadUsernameOrPassword, packet.NotAuthorized:
		return true
	}
	return false
}

// PacketString hides CONNECT password, PUBLISH payload is hex.
func PacketString(p packet.Generic) string {
	switch pt := p.(type) {
	case nil:
		return "(nil)"
	case *packet.Connect:
		return fmt.Sprintf("<Connect ClientID=%q KeepAlive=%d Username=%q Password=*** CleanSession=%t>",
			pt.ClientID, pt.KeepAlive, pt.Username, pt.CleanSession)
	case *packet.Publish:
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pt.ID, pt.Dup, MessageString(&pt.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
