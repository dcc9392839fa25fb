package wol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidMAC is returned when a MAC address does not contain exactly 12 hex digits.
var ErrInvalidMAC = errors.New("invalid MAC address")

// PacketSize is the length of a magic packet: 6 sync bytes plus 16 copies of the MAC.
const PacketSize = 6 + 16*6

// ParseMAC accepts a MAC address in any punctuation style ("aa:bb:..", "AA-BB-..",
// "aabb.ccdd.eeff", "aabbccddeeff"). Every non-hex character is stripped before
// decoding.
func ParseMAC(input string) (net.HardwareAddr, error) {
	var digits strings.Builder
	for _, c := range input {
		if isHex(c) {
			digits.WriteRune(c)
		}
	}
	if digits.Len() != 12 {
		return nil, fmt.Errorf("%w: %q has %d hex digits, want 12", ErrInvalidMAC, input, digits.Len())
	}
	b, err := hex.DecodeString(digits.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidMAC, input, err)
	}
	return net.HardwareAddr(b), nil
}

// CanonicalMAC returns the lowercase colon-separated form of a MAC address.
func CanonicalMAC(input string) (string, error) {
	mac, err := ParseMAC(input)
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

// MagicPacket builds the Wake-on-LAN payload for mac.
func MagicPacket(mac net.HardwareAddr) []byte {
	var packet bytes.Buffer
	packet.Grow(PacketSize)

	packet.Write(bytes.Repeat([]byte{0xFF}, 6))
	for i := 0; i < 16; i++ {
		packet.Write(mac)
	}

	return packet.Bytes()
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
