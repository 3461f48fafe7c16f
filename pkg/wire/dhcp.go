package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

const (
	// HeaderLen is the fixed BOOTP header length every DHCP message starts with.
	HeaderLen = 236

	// ServerPort and ClientPort are the well-known DHCP UDP ports.
	ServerPort = 67
	ClientPort = 68

	// FlagBroadcast asks the allocator to broadcast its reply.
	FlagBroadcast uint16 = 0x8000

	maxHWAddrLen = 16
	optionsStart = HeaderLen + len(magicCookie)
	optionEnd    = 0xFF
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// ErrMalformedMessage is returned for datagrams shorter than the fixed header or with an
// unparseable header or options region.
var ErrMalformedMessage = errors.New("malformed dhcp message")

// OpCode is the BOOTP message direction.
type OpCode uint8

const (
	OpRequest OpCode = 1
	OpReply   OpCode = 2
)

// TransactionID is the opaque 4-byte token that ties a handshake together.
type TransactionID [4]byte

func (x TransactionID) String() string {
	return fmt.Sprintf("0x%02X%02X%02X%02X", x[0], x[1], x[2], x[3])
}

// Message is a decoded DHCP message.
//
// The subtype lives at byte 1 of the header (where BOOTP keeps the hardware type); it is also
// mirrored into option 53 on encode so standard tooling can still classify the packet.
type Message struct {
	Op            OpCode
	Type          dhcpv4.MessageType
	Hops          uint8
	TransactionID TransactionID
	Secs          uint16
	Flags         uint16
	ClientIP      net.IP
	YourIP        net.IP
	ServerIP      net.IP
	GatewayIP     net.IP
	ClientHWAddr  net.HardwareAddr
	Options       dhcpv4.Options
}

// NewMessage returns a message with an empty options set.
func NewMessage(op OpCode, msgType dhcpv4.MessageType, xid TransactionID) *Message {
	return &Message{
		Op:            op,
		Type:          msgType,
		TransactionID: xid,
		Options:       make(dhcpv4.Options),
	}
}

// NewReply builds a reply of the given type that echoes the request's transaction fields.
func NewReply(req *Message, msgType dhcpv4.MessageType, serverIP net.IP) *Message {
	reply := NewMessage(OpReply, msgType, req.TransactionID)
	reply.Flags = req.Flags
	reply.GatewayIP = req.GatewayIP
	reply.ClientHWAddr = append(net.HardwareAddr(nil), req.ClientHWAddr...)
	reply.ServerIP = serverIP.To4()
	if serverIP != nil {
		reply.Options.Update(dhcpv4.OptServerIdentifier(serverIP.To4()))
	}
	return reply
}

// Broadcast reports whether the broadcast flag is set.
func (m *Message) Broadcast() bool {
	return m.Flags&FlagBroadcast != 0
}

// RequestedIP returns the address a REQUEST asks for: option 50 first, then the
// offered-address field, then the client address field.
func (m *Message) RequestedIP() net.IP {
	if raw := m.Options.Get(dhcpv4.OptionRequestedIPAddress); len(raw) == net.IPv4len {
		return net.IP(raw).To4()
	}
	if ip := m.YourIP.To4(); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	if ip := m.ClientIP.To4(); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	return nil
}

// ServerIdentifier returns option 54 if present, else the allocator address field.
func (m *Message) ServerIdentifier() net.IP {
	if raw := m.Options.Get(dhcpv4.OptionServerIdentifier); len(raw) == net.IPv4len {
		return net.IP(raw).To4()
	}
	if ip := m.ServerIP.To4(); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	return nil
}

// ClientID returns the client identifier used for lease notifications: option 61 when
// present, otherwise the hardware address, both as lower-case hex.
func (m *Message) ClientID() string {
	if raw := m.Options.Get(dhcpv4.OptionClientIdentifier); len(raw) > 0 {
		return fmt.Sprintf("%x", raw)
	}
	return fmt.Sprintf("%x", []byte(m.ClientHWAddr))
}

// Encode serializes m. The fixed header is always emitted in full and zero padded.
func Encode(m *Message) ([]byte, error) {
	if len(m.ClientHWAddr) > maxHWAddrLen {
		return nil, fmt.Errorf("hardware address too long: %d bytes", len(m.ClientHWAddr))
	}

	opts := make(dhcpv4.Options, len(m.Options)+1)
	for code, value := range m.Options {
		opts[code] = value
	}
	opts.Update(dhcpv4.OptMessageType(m.Type))
	encodedOpts := opts.ToBytes()

	buf := make([]byte, optionsStart, optionsStart+len(encodedOpts)+1)
	buf[0] = byte(m.Op)
	buf[1] = byte(m.Type)
	buf[2] = byte(len(m.ClientHWAddr))
	buf[3] = m.Hops
	copy(buf[4:8], m.TransactionID[:])
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	putIPv4(buf[12:16], m.ClientIP)
	putIPv4(buf[16:20], m.YourIP)
	putIPv4(buf[20:24], m.ServerIP)
	putIPv4(buf[24:28], m.GatewayIP)
	copy(buf[28:28+maxHWAddrLen], m.ClientHWAddr)
	copy(buf[HeaderLen:optionsStart], magicCookie[:])

	buf = append(buf, encodedOpts...)
	buf = append(buf, optionEnd)
	return buf, nil
}

// Decode parses a DHCP datagram.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedMessage, len(buf), HeaderLen)
	}
	hwLen := int(buf[2])
	if hwLen > maxHWAddrLen {
		return nil, fmt.Errorf("%w: hardware address length %d", ErrMalformedMessage, hwLen)
	}

	m := &Message{
		Op:           OpCode(buf[0]),
		Type:         dhcpv4.MessageType(buf[1]),
		Hops:         buf[3],
		Secs:         binary.BigEndian.Uint16(buf[8:10]),
		Flags:        binary.BigEndian.Uint16(buf[10:12]),
		ClientIP:     getIPv4(buf[12:16]),
		YourIP:       getIPv4(buf[16:20]),
		ServerIP:     getIPv4(buf[20:24]),
		GatewayIP:    getIPv4(buf[24:28]),
		ClientHWAddr: append(net.HardwareAddr(nil), buf[28:28+hwLen]...),
		Options:      make(dhcpv4.Options),
	}
	copy(m.TransactionID[:], buf[4:8])

	if len(buf) >= optionsStart && [4]byte(buf[HeaderLen:optionsStart]) == magicCookie {
		if err := m.Options.FromBytes(buf[optionsStart:]); err != nil {
			return nil, fmt.Errorf("%w: options: %v", ErrMalformedMessage, err)
		}
	}
	return m, nil
}

func putIPv4(dst []byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		copy(dst, v4)
	}
}

func getIPv4(src []byte) net.IP {
	ip := make(net.IP, net.IPv4len)
	copy(ip, src)
	return ip
}
