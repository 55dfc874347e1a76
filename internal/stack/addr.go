package stack

import (
	"fmt"
)

// AddressTextLength is the length of the canonical "xx:xx:xx:xx:xx:xx" form.
const AddressTextLength = 17

// Address is a 6-byte Bluetooth device address. Equality is byte-wise.
type Address [6]byte

// String formats the address as lowercase colon-separated hex.
func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether every byte of the address is zero.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses exactly "xx:xx:xx:xx:xx:xx" with hex digits at the twelve
// digit positions and colons at the five separator positions.
// Anything else fails with a *ParseError matching ErrMalformed.
func ParseAddress(text string) (Address, error) {
	var addr Address

	if len(text) != AddressTextLength {
		return addr, &ParseError{Kind: Malformed, Input: text, Reason: "wrong length"}
	}

	for i := 0; i < len(addr); i++ {
		pos := i * 3
		hi, okHi := hexValue(text[pos])
		lo, okLo := hexValue(text[pos+1])
		if !okHi || !okLo {
			return Address{}, &ParseError{Kind: Malformed, Input: text, Reason: fmt.Sprintf("non-hex digit at %d", pos)}
		}
		if i < len(addr)-1 && text[pos+2] != ':' {
			return Address{}, &ParseError{Kind: Malformed, Input: text, Reason: fmt.Sprintf("expected ':' at %d", pos+2)}
		}
		addr[i] = hi<<4 | lo
	}

	return addr, nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
// Intended for constants and tests.
func MustParseAddress(text string) Address {
	addr, err := ParseAddress(text)
	if err != nil {
		panic(err)
	}
	return addr
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
