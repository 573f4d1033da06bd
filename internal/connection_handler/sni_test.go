package connectionhandler

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildExtension assembles one raw extension block.
func buildExtension(extType uint16, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(out[0:2], extType)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(data)))
	copy(out[4:], data)
	return out
}

// buildSNIExtension builds a server_name extension with one entry. The
// nameLen field can be overridden to craft malformed records; pass -1 to use
// the real length.
func buildSNIExtension(nameType byte, host string, nameLenOverride int) []byte {
	nameLen := len(host)
	if nameLenOverride >= 0 {
		nameLen = nameLenOverride
	}
	data := make([]byte, 0, 5+len(host))
	listLen := make([]byte, 2)
	binary.BigEndian.PutUint16(listLen, uint16(3+len(host)))
	data = append(data, listLen...)
	data = append(data, nameType)
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(nameLen))
	data = append(data, lenBytes...)
	data = append(data, host...)
	return buildExtension(extensionServerName, data)
}

// buildRecordWithExtensions wraps extension blocks in a full ClientHello
// record.
func buildRecordWithExtensions(exts []byte) []byte {
	var body bytes.Buffer
	body.WriteByte(handshakeTypeClientHello)
	body.Write([]byte{0, 0, 0}) // handshake length, patched below
	body.Write([]byte{0x03, 0x03})
	body.Write(make([]byte, 32)) // random
	body.WriteByte(0)            // session id length
	body.Write([]byte{0x00, 0x02, 0x13, 0x01})
	body.Write([]byte{0x01, 0x00}) // one compression method: null

	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(len(exts)))
	body.Write(extLen)
	body.Write(exts)

	b := body.Bytes()
	hsLen := len(b) - 4
	b[1] = byte(hsLen >> 16)
	b[2] = byte(hsLen >> 8)
	b[3] = byte(hsLen)

	record := make([]byte, 0, recordHeaderLen+len(b))
	record = append(record, contentTypeHandshake, 0x03, 0x01, byte(len(b)>>8), byte(len(b)))
	record = append(record, b...)
	return record
}

func buildClientHelloRecord(host string, includeSNI bool) []byte {
	exts := buildExtension(0xff01, []byte{0x00}) // renegotiation_info filler
	if includeSNI {
		exts = append(exts, buildSNIExtension(sniTypeHostName, host, -1)...)
	}
	return buildRecordWithExtensions(exts)
}

func TestProbeRecordIncompletePrefixes(t *testing.T) {
	record := buildClientHelloRecord("fw-download.ubnt.com", true)
	for _, cut := range []int{0, 1, 4, recordHeaderLen, len(record) - 1} {
		if n, res := probeRecord(record[:cut]); res != probeIncomplete {
			t.Fatalf("probeRecord(%d bytes) = (%d, %d), want incomplete", cut, n, res)
		}
	}
	n, res := probeRecord(record)
	if res != probeComplete {
		t.Fatalf("probeRecord full record: got %d, want complete", res)
	}
	if n != len(record) {
		t.Fatalf("probeRecord length = %d, want %d", n, len(record))
	}
}

func TestProbeRecordNotTLS(t *testing.T) {
	if _, res := probeRecord([]byte("GET / HTTP/1.1\r\n")); res != probeNotTLS {
		t.Fatalf("probeRecord(http bytes) = %d, want not-TLS", res)
	}
}

func TestProbeRecordWithTrailingBytes(t *testing.T) {
	record := buildClientHelloRecord("fw-update.ui.com", true)
	padded := append(append([]byte{}, record...), 0xAA, 0xBB)
	n, res := probeRecord(padded)
	if res != probeComplete || n != len(record) {
		t.Fatalf("probeRecord(padded) = (%d, %d), want (%d, complete)", n, res, len(record))
	}
}

func TestParseClientHelloSNI(t *testing.T) {
	host := "apt.artifacts.ui.com"
	got, err := parseClientHello(buildClientHelloRecord(host, true))
	if err != nil {
		t.Fatalf("parseClientHello returned error: %v", err)
	}
	if got != host {
		t.Fatalf("parseClientHello = %q, want %q", got, host)
	}
}

func TestParseClientHelloReparse(t *testing.T) {
	record := buildClientHelloRecord("fw-update.ubnt.com", true)
	first, err := parseClientHello(record)
	if err != nil {
		t.Fatalf("first parse error: %v", err)
	}
	second, err := parseClientHello(record)
	if err != nil {
		t.Fatalf("second parse error: %v", err)
	}
	if first != second {
		t.Fatalf("re-parse mismatch: %q vs %q", first, second)
	}
}

func TestParseClientHelloNoSNI(t *testing.T) {
	if _, err := parseClientHello(buildClientHelloRecord("ignored", false)); err == nil {
		t.Fatalf("parseClientHello unexpectedly succeeded without SNI")
	}
}

func TestParseClientHelloNotClientHello(t *testing.T) {
	record := buildClientHelloRecord("fw-download.ubnt.com", true)
	record[recordHeaderLen] = 0x02 // ServerHello
	if _, err := parseClientHello(record); err == nil {
		t.Fatalf("parseClientHello accepted a non-ClientHello handshake")
	}
}

func TestParseClientHelloNonHostNameEntry(t *testing.T) {
	exts := buildSNIExtension(0x01, "fw-download.ubnt.com", -1)
	if _, err := parseClientHello(buildRecordWithExtensions(exts)); err == nil {
		t.Fatalf("parseClientHello accepted a non-host_name SNI entry")
	}
}

func TestParseClientHelloEmptyName(t *testing.T) {
	exts := buildSNIExtension(sniTypeHostName, "", -1)
	if _, err := parseClientHello(buildRecordWithExtensions(exts)); err == nil {
		t.Fatalf("parseClientHello accepted an empty server name")
	}
}

func TestParseClientHelloNameLengthOverflow(t *testing.T) {
	exts := buildSNIExtension(sniTypeHostName, "fw-download.ubnt.com", 200)
	if _, err := parseClientHello(buildRecordWithExtensions(exts)); err == nil {
		t.Fatalf("parseClientHello accepted an overflowing name length")
	}
}

func TestParseClientHelloTruncatedExtensions(t *testing.T) {
	record := buildClientHelloRecord("fw-download.ubnt.com", true)
	// Claim more extension bytes than the record holds.
	extLenOffset := recordHeaderLen + 4 + 2 + 32 + 1 + 2 + 2 + 1 + 1
	binary.BigEndian.PutUint16(record[extLenOffset:extLenOffset+2], 0xFFFF)
	if _, err := parseClientHello(record); err == nil {
		t.Fatalf("parseClientHello accepted truncated extensions")
	}
}
