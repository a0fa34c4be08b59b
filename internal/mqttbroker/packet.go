package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

const protocolLevel311 = 4

// maxPacketSize bounds the remaining length accepted from a client. Reports
// are at most 1 MiB; the rest leaves room for the topic.
const maxPacketSize = 1<<20 + 1<<16

var (
	connAck  = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp = []byte{0xD0, 0x00}
)

var (
	errMalformedLength = errors.New("malformed remaining length")
	errPacketTooLarge  = errors.New("packet too large")
)

// readPacket reads one fixed header and its body.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	n, err := readRemainingLength(r)
	if err != nil {
		return 0, nil, err
	}
	if n > maxPacketSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", errPacketTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return header, payload, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	value, multiplier := 0, 1
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier <<= 7
	}
	return 0, errMalformedLength
}

func appendRemainingLength(dst []byte, n int) []byte {
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if n == 0 {
			return dst
		}
	}
}

// body is a cursor over a packet body.
type body []byte

func (b *body) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *body) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *body) readString() (string, error) {
	n, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:n])
	*b = (*b)[n:]
	return s, nil
}

func (b *body) rest() []byte {
	out := make([]byte, len(*b))
	copy(out, *b)
	*b = nil
	return out
}

type connectRequest struct {
	clientID  string
	keepAlive uint16
}

func parseConnect(raw []byte) (connectRequest, error) {
	b := body(raw)
	proto, err := b.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := b.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != protocolLevel311 {
		return connectRequest{}, fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := b.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	// only the clean-session bit is supported: no will, no credentials
	if flags&^0x02 != 0 {
		return connectRequest{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}
	keepAlive, err := b.readUint16()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}
	clientID, err := b.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}
	return connectRequest{clientID: clientID, keepAlive: keepAlive}, nil
}

func parsePublish(header byte, raw []byte) (PublishMessage, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}
	b := body(raw)
	topic, err := b.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	return PublishMessage{Topic: topic, Payload: b.rest()}, nil
}

// parseSubscribe returns the packet id and requested topics. Only QoS 0 is granted.
func parseSubscribe(raw []byte) (uint16, []string, error) {
	b := body(raw)
	id, err := b.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var topics []string
	for len(b) > 0 {
		topic, err := b.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		qos, err := b.readByte()
		if err != nil {
			return 0, nil, fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return 0, nil, fmt.Errorf("unsupported qos %d", qos)
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return 0, nil, errors.New("subscribe without topics")
	}
	return id, topics, nil
}

func parseUnsubscribe(raw []byte) (uint16, []string, error) {
	b := body(raw)
	id, err := b.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var topics []string
	for len(b) > 0 {
		topic, err := b.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return id, topics, nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long: %d bytes", len(topic))
	}
	n := 2 + len(topic) + len(payload)
	packet := make([]byte, 0, 5+n)
	packet = append(packet, packetPublish<<4)
	packet = appendRemainingLength(packet, n)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func encodeSubAck(id uint16, granted int) []byte {
	packet := []byte{0x90}
	packet = appendRemainingLength(packet, 2+granted)
	packet = append(packet, byte(id>>8), byte(id))
	for i := 0; i < granted; i++ {
		packet = append(packet, 0x00)
	}
	return packet
}

func encodeUnsubAck(id uint16) []byte {
	return []byte{0xB0, 0x02, byte(id >> 8), byte(id)}
}
