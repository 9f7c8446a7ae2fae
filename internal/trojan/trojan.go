// Package trojan implements the Trojan wire protocol: request header
// parsing and the SOCKS-style address it carries.
//
// https://trojan-gfw.github.io/trojan/protocol
//
//	+-----------------------+---------+----------------+---------+----------+
//	| hex(SHA224(password)) |  CRLF   | Trojan Request |  CRLF   | Payload  |
//	+-----------------------+---------+----------------+---------+----------+
//	|          56           | X'0D0A' |    Variable    | X'0D0A' | Variable |
//	+-----------------------+---------+----------------+---------+----------+
package trojan

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

// CredentialLen is the fixed length of the hex(SHA224(uuid)) credential.
const CredentialLen = 56

// headerScratchSize is big enough to cover every fixed-length field of the
// header; the domain branch reads its variable-length tail through the same
// reader into a slice of its own instead of growing this buffer.
const headerScratchSize = 256

var crlf = [2]byte{0x0D, 0x0A}

// ErrMalformed is returned for any header that does not conform to the
// wire format: short reads, missing separators, unknown address types, or
// a domain length that overruns the stream.
var ErrMalformed = errors.New("trojan: malformed header")

// Command is the Trojan request command byte.
type Command byte

const (
	CommandConnect      Command = 0x01
	CommandUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "CONNECT"
	case CommandUDPAssociate:
		return "UDP-ASSOCIATE"
	default:
		return fmt.Sprintf("command(%#02x)", byte(c))
	}
}

// AddressType is the Trojan SOCKS-style address type byte.
type AddressType byte

const (
	AddressIPv4   AddressType = 0x01
	AddressDomain AddressType = 0x03
	AddressIPv6   AddressType = 0x04
)

// Credential is the opaque 56-byte on-wire authenticator. The directory
// never re-derives it on the hot path, only compares it.
type Credential [CredentialLen]byte

// DeriveCredential computes the lowercase-hex SHA-224 credential for a
// user's UUID string, as the panel's user refresh endpoint expects it to
// be derived. This only ever runs on the refresh path, never per-connection.
func DeriveCredential(uuid string) Credential {
	sum := sha256.Sum224([]byte(uuid))
	var cred Credential
	hex.Encode(cred[:], sum[:])
	return cred
}

// Address is the destination carried by a Trojan request.
type Address struct {
	Type   AddressType
	IP     net.IP // set when Type is AddressIPv4 or AddressIPv6
	Domain string // set when Type is AddressDomain
	Port   uint16
}

func (a Address) String() string {
	host := a.Domain
	if a.Type != AddressDomain {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(a.Port), 10))
}

// DialTarget renders the address as a host:port string suitable for
// net.Dial. Domain resolution itself is deferred to the dialer; this only
// normalizes an internationalized domain name to its ASCII (punycode) form
// the way a browser's resolver would, so lookups behave consistently
// regardless of what encoding the client sent.
func (a Address) DialTarget() string {
	host := a.Domain
	if a.Type != AddressDomain {
		host = a.IP.String()
	} else if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(a.Port), 10))
}

// Header is a fully parsed Trojan request header.
type Header struct {
	Credential Credential
	Command    Command
	Address    Address
}

// NewReader wraps a raw connection in a buffered reader sized for the
// Trojan header. Callers must read the payload from the returned reader,
// not from conn directly, since ReadHeader may have buffered bytes past
// the header boundary.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, headerScratchSize)
}

// ReadHeader reads and validates a Trojan request header from r, leaving r
// positioned at the first payload byte. r must not have been read from
// before this call (other than via NewReader).
func ReadHeader(r *bufio.Reader) (Header, error) {
	var h Header

	if _, err := io.ReadFull(r, h.Credential[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading credential: %v", ErrMalformed, err)
	}
	if err := expectCRLF(r); err != nil {
		return Header{}, err
	}

	var fixed [2]byte // command, address type
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading command/address type: %v", ErrMalformed, err)
	}
	h.Command = Command(fixed[0])

	addr, err := readAddress(r, AddressType(fixed[1]))
	if err != nil {
		return Header{}, err
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(r, portBytes[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading port: %v", ErrMalformed, err)
	}
	addr.Port = binary.BigEndian.Uint16(portBytes[:])
	h.Address = addr

	if err := expectCRLF(r); err != nil {
		return Header{}, err
	}

	return h, nil
}

func expectCRLF(r *bufio.Reader) error {
	var sep [2]byte
	if _, err := io.ReadFull(r, sep[:]); err != nil {
		return fmt.Errorf("%w: reading CRLF separator: %v", ErrMalformed, err)
	}
	if sep != crlf {
		return fmt.Errorf("%w: expected CRLF, got %#x", ErrMalformed, sep)
	}
	return nil
}

func readAddress(r *bufio.Reader, atype AddressType) (Address, error) {
	switch atype {
	case AddressIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, fmt.Errorf("%w: reading ipv4 address: %v", ErrMalformed, err)
		}
		ip := make(net.IP, 4)
		copy(ip, b[:])
		return Address{Type: atype, IP: ip}, nil
	case AddressIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, fmt.Errorf("%w: reading ipv6 address: %v", ErrMalformed, err)
		}
		ip := make(net.IP, 16)
		copy(ip, b[:])
		return Address{Type: atype, IP: ip}, nil
	case AddressDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return Address{}, fmt.Errorf("%w: reading domain length: %v", ErrMalformed, err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return Address{}, fmt.Errorf("%w: domain length overruns stream: %v", ErrMalformed, err)
		}
		return Address{Type: atype, Domain: string(domain)}, nil
	default:
		return Address{}, fmt.Errorf("%w: unknown address type %#02x", ErrMalformed, byte(atype))
	}
}
