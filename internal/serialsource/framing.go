package serialsource

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

// Framing selects how reports are delimited on the wire.
type Framing string

const (
	// FramingLines is one JSON report per line.
	FramingLines Framing = "lines"
	// FramingCRC is a 4-byte big-endian length, the report, a CRC-16/MODBUS
	// of the report and a trailing newline. Each frame is answered with OK,
	// ERR or RETRY.
	FramingCRC Framing = "crc"
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(s); f {
	case FramingLines, FramingCRC:
		return f, nil
	case "":
		return FramingLines, nil
	default:
		return "", fmt.Errorf("unknown serial framing %q", s)
	}
}

const maxFrame = 64 * 1024

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum is the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// EncodeFrame builds a FramingCRC frame around report.
func EncodeFrame(report []byte) []byte {
	out := make([]byte, 4, 4+len(report)+3)
	binary.BigEndian.PutUint32(out, uint32(len(report)))
	out = append(out, report...)
	out = binary.BigEndian.AppendUint16(out, Checksum(report))
	return append(out, '\n')
}

// frame is one decoded unit. corrupt frames failed their integrity check.
type frame struct {
	data    []byte
	corrupt bool
}

type decoder interface {
	feed(p []byte) []frame
}

func newDecoder(f Framing) decoder {
	if f == FramingCRC {
		return &crcDecoder{}
	}
	return &lineDecoder{}
}

type lineDecoder struct {
	buf      bytes.Buffer
	overflow bool
}

func (d *lineDecoder) feed(p []byte) []frame {
	var out []frame
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.write(p)
			break
		}
		d.write(p[:i])
		p = p[i+1:]

		if d.overflow {
			out = append(out, frame{corrupt: true})
		} else if line := bytes.TrimSpace(d.buf.Bytes()); len(line) > 0 {
			out = append(out, frame{data: bytes.Clone(line)})
		}
		d.buf.Reset()
		d.overflow = false
	}
	return out
}

func (d *lineDecoder) write(p []byte) {
	if d.overflow {
		return
	}
	if d.buf.Len()+len(p) > maxFrame {
		d.overflow = true
		d.buf.Reset()
		return
	}
	d.buf.Write(p)
}

type crcDecoder struct {
	buf bytes.Buffer
}

func (d *crcDecoder) feed(p []byte) []frame {
	d.buf.Write(p)
	var out []frame
	for {
		if d.buf.Len() < 4 {
			return out
		}
		head := d.buf.Bytes()
		n := int(binary.BigEndian.Uint32(head[:4]))
		if n == 0 || n > maxFrame {
			// lost sync: drop everything up to the next newline
			if i := bytes.IndexByte(head, '\n'); i >= 0 {
				d.buf.Next(i + 1)
			} else {
				d.buf.Reset()
			}
			out = append(out, frame{corrupt: true})
			continue
		}
		total := 4 + n + 2 + 1
		if d.buf.Len() < total {
			return out
		}
		raw := d.buf.Next(total)
		data := raw[4 : 4+n]
		sum := binary.BigEndian.Uint16(raw[4+n : 4+n+2])
		if sum != Checksum(data) || raw[total-1] != '\n' {
			out = append(out, frame{corrupt: true})
			continue
		}
		out = append(out, frame{data: bytes.Clone(data)})
	}
}
