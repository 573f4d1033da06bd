package connectionhandler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	recordHeaderLen          = 5
	contentTypeHandshake     = 0x16
	handshakeTypeClientHello = 0x01
	extensionServerName      = 0x0000
	sniTypeHostName          = 0x00

	// maxHelloSize caps the preread buffer. Typical ClientHellos are well
	// under 2 KiB.
	maxHelloSize    = 16 * 1024
	defaultHelloCap = 2048
)

type probeResult int

const (
	probeIncomplete probeResult = iota
	probeNotTLS
	probeComplete
)

// probeRecord examines the outer TLS record header. On probeComplete it
// returns the total length of the record including the 5-byte header.
func probeRecord(buf []byte) (int, probeResult) {
	if len(buf) < recordHeaderLen {
		return 0, probeIncomplete
	}
	if buf[0] != contentTypeHandshake {
		return 0, probeNotTLS
	}
	total := recordHeaderLen + int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < total {
		return 0, probeIncomplete
	}
	return total, probeComplete
}

// parseClientHello extracts the server_name of the first SNI extension from a
// complete ClientHello record. Only the first entry of the server name list
// is considered and it must be of type host_name; clients send exactly one.
func parseClientHello(buf []byte) (string, error) {
	end, res := probeRecord(buf)
	if res != probeComplete {
		return "", errors.New("TLS record incomplete")
	}
	if buf[recordHeaderLen] != handshakeTypeClientHello {
		return "", errors.New("first handshake message is not ClientHello")
	}

	// Fixed prefix: record header + handshake type + handshake length +
	// client_version + random.
	offset := recordHeaderLen + 1 + 3 + 2 + 32
	if offset >= end {
		return "", errors.New("ClientHello too short")
	}

	sidLen := int(buf[offset])
	offset += 1 + sidLen
	if offset+2 > end {
		return "", errors.New("malformed ClientHello (session id)")
	}

	csLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2 + csLen
	if offset+1 > end {
		return "", errors.New("malformed ClientHello (cipher suites)")
	}

	compLen := int(buf[offset])
	offset += 1 + compLen
	if offset+2 > end {
		return "", errors.New("malformed ClientHello (compression methods)")
	}

	extLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	extEnd := offset + extLen
	if extEnd > end {
		return "", errors.New("ClientHello extensions truncated")
	}

	for offset+4 <= extEnd {
		extType := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		extDataLen := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += 4
		if offset+extDataLen > extEnd {
			return "", errors.New("extension length overflow")
		}
		if extType != extensionServerName {
			offset += extDataLen
			continue
		}

		if extDataLen < 5 {
			return "", errors.New("SNI extension too short")
		}
		listLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		if listLen+2 > extDataLen {
			return "", errors.New("SNI list length invalid")
		}
		nameType := buf[offset+2]
		if nameType != sniTypeHostName {
			return "", fmt.Errorf("unsupported SNI entry type %d", nameType)
		}
		nameLen := int(binary.BigEndian.Uint16(buf[offset+3 : offset+5]))
		if nameLen == 0 {
			return "", errors.New("empty server name")
		}
		nameEnd := offset + 5 + nameLen
		if nameEnd > offset+extDataLen {
			return "", errors.New("SNI name length invalid")
		}
		return string(buf[offset+5 : nameEnd]), nil
	}

	return "", errors.New("SNI not found in ClientHello")
}

var helloBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, defaultHelloCap)
		return &buf
	},
}

func getHelloBuf() *[]byte {
	buf := helloBufPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

func putHelloBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	if cap(*buf) > maxHelloSize {
		*buf = make([]byte, 0, defaultHelloCap)
	}
	helloBufPool.Put(buf)
}
