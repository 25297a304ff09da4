// Package rangecodec encodes IPv4 and IPv6 addresses and CIDR ranges as
// fixed-width hexadecimal keys whose lexicographic order equals numeric
// address order.
//
// IPv4 keys are 8 uppercase hex digits. IPv6 keys are "v6-" followed by 32
// uppercase hex digits; the tag sorts after every IPv4 key, so both families
// share one ordered index without interleaving.
package rangecodec

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/gblock/internal/gblock/domain"
)

// V6Tag prefixes every IPv6 key.
const V6Tag = "v6-"

// Limits are the widest prefix lengths accepted per family. A /8 request
// against an IPv4 limit of 16 is rejected.
type Limits struct {
	IPv4 int
	IPv6 int
}

// DefaultLimits bound range queries to an IPv4 /16 and an IPv6 /19.
var DefaultLimits = Limits{IPv4: 16, IPv6: 19}

// Options configures a Codec. Zero bucket digits derive the bucket length
// from the family limit (limit/4 hex digits).
type Options struct {
	Limits         Limits
	BucketDigitsV4 int
	BucketDigitsV6 int
}

// Codec converts addresses and ranges into keys and containment predicates.
// It is immutable and safe for concurrent use.
type Codec struct {
	limits   Limits
	bucketV4 int
	bucketV6 int
}

// New validates opts and returns a Codec. Failures wrap domain.ErrConfiguration.
func New(opts Options) (*Codec, error) {
	l := opts.Limits
	if l.IPv4 < 0 || l.IPv4 > 32 {
		return nil, fmt.Errorf("%w: IPv4 range limit /%d outside 0-32", domain.ErrConfiguration, l.IPv4)
	}
	if l.IPv6 < 0 || l.IPv6 > 128 {
		return nil, fmt.Errorf("%w: IPv6 range limit /%d outside 0-128", domain.ErrConfiguration, l.IPv6)
	}
	b4, err := bucketDigits("IPv4", opts.BucketDigitsV4, l.IPv4)
	if err != nil {
		return nil, err
	}
	b6, err := bucketDigits("IPv6", opts.BucketDigitsV6, l.IPv6)
	if err != nil {
		return nil, err
	}
	return &Codec{limits: l, bucketV4: b4, bucketV6: b6}, nil
}

// bucketDigits resolves the bucket length. Every range allowed by the limit
// must share the bucket with the addresses it contains, so the bucket may
// not be longer than limit/4 digits.
func bucketDigits(family string, configured, limit int) (int, error) {
	widest := limit / 4
	switch {
	case configured == 0:
		return widest, nil
	case configured < 0:
		return 0, fmt.Errorf("%w: %s bucket digits must not be negative", domain.ErrConfiguration, family)
	case configured > widest:
		return 0, fmt.Errorf("%w: %s bucket of %d digits exceeds %d allowed by limit /%d",
			domain.ErrConfiguration, family, configured, widest, limit)
	}
	return configured, nil
}

// Default returns a Codec using DefaultLimits.
func Default() *Codec {
	c, _ := New(Options{Limits: DefaultLimits})
	return c
}

// Limits returns the configured wide-range limits.
func (c *Codec) Limits() Limits { return c.limits }

// Encode returns the key of an address. With a "/prefix" suffix the key of the
// network's first address is returned. Range limits are not applied.
func (c *Codec) Encode(s string) (string, error) {
	p, err := parse(s)
	if err != nil {
		return "", err
	}
	return key(p.Masked().Addr()), nil
}

// RangeBounds returns the first and last key covered by an address or CIDR.
// For a bare address both keys are equal.
func (c *Codec) RangeBounds(s string) (start, end string, err error) {
	p, err := parse(s)
	if err != nil {
		return "", "", err
	}
	limit := c.limits.IPv4
	if p.Addr().Is6() {
		limit = c.limits.IPv6
	}
	if p.Bits() < limit {
		return "", "", fmt.Errorf("%w: %q is wider than the /%d limit", domain.ErrInvalidAddress, s, limit)
	}
	first := p.Masked().Addr()
	return key(first), key(lastAddr(p)), nil
}

// Containment builds the predicate matching stored ranges that contain [start, end].
func (c *Codec) Containment(start, end string) domain.RangePredicate {
	var bucket string
	if strings.HasPrefix(start, V6Tag) {
		bucket = V6Tag + prefixOf(start[len(V6Tag):], c.bucketV6)
	} else {
		bucket = prefixOf(start, c.bucketV4)
	}
	return domain.RangePredicate{Bucket: bucket, Start: start, End: end}
}

// Predicate is RangeBounds followed by Containment.
func (c *Codec) Predicate(addressOrRange string) (domain.RangePredicate, error) {
	start, end, err := c.RangeBounds(addressOrRange)
	if err != nil {
		return domain.RangePredicate{}, err
	}
	return c.Containment(start, end), nil
}

func prefixOf(s string, n int) string {
	if n > len(s) {
		return s
	}
	return s[:n]
}

// IsAddress reports whether s parses as an address or CIDR of either family.
func IsAddress(s string) bool {
	_, err := parse(s)
	return err == nil
}

// LooksLikeAddress reports whether the part of s before any "/" is an
// address. Such input is an address target even when the prefix is invalid.
func LooksLikeAddress(s string) bool {
	raw, _, _ := strings.Cut(strings.TrimSpace(s), "/")
	_, err := netip.ParseAddr(raw)
	return err == nil
}

// ParsePrefix parses an address or CIDR without applying range limits.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := parse(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// Normalize returns the display form of an address or range: a bare
// address unchanged in canonical notation, a CIDR with host bits cleared.
func Normalize(s string) (string, error) {
	p, err := parse(s)
	if err != nil {
		return "", err
	}
	if p.IsSingleIP() && !strings.Contains(s, "/") {
		return p.Addr().String(), nil
	}
	return p.Masked().String(), nil
}

// Decode turns a key back into an address.
func Decode(k string) (netip.Addr, error) {
	digits := k
	if strings.HasPrefix(k, V6Tag) {
		digits = k[len(V6Tag):]
		if len(digits) != 32 {
			return netip.Addr{}, fmt.Errorf("%w: bad IPv6 key %q", domain.ErrInvalidAddress, k)
		}
	} else if len(digits) != 8 {
		return netip.Addr{}, fmt.Errorf("%w: bad IPv4 key %q", domain.ErrInvalidAddress, k)
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad key %q", domain.ErrInvalidAddress, k)
	}
	a, _ := netip.AddrFromSlice(b)
	return a, nil
}

// Span returns the number of addresses in [start, end]. Unparseable keys
// yield nil.
func Span(start, end string) *big.Int {
	s, ok1 := keyInt(start)
	e, ok2 := keyInt(end)
	if !ok1 || !ok2 {
		return nil
	}
	n := new(big.Int).Sub(e, s)
	return n.Add(n, big.NewInt(1))
}

func keyInt(k string) (*big.Int, bool) {
	return new(big.Int).SetString(strings.TrimPrefix(k, V6Tag), 16)
}

// parse accepts "addr" or "addr/bits". IPv4-mapped IPv6 input is unmapped
// so it shares keys with plain IPv4.
func parse(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	raw, bitsStr, hasBits := strings.Cut(s, "/")
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return netip.Prefix{}, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, s)
	}
	bits := addr.BitLen()
	if hasBits {
		n, err := strconv.ParseUint(bitsStr, 10, 8)
		if err != nil || int(n) > addr.BitLen() {
			return netip.Prefix{}, fmt.Errorf("%w: bad prefix length in %q", domain.ErrInvalidAddress, s)
		}
		bits = int(n)
	}
	if addr.Is4In6() {
		if bits < 96 {
			return netip.Prefix{}, fmt.Errorf("%w: mapped prefix %q wider than /96", domain.ErrInvalidAddress, s)
		}
		addr = addr.Unmap()
		bits -= 96
	}
	return netip.PrefixFrom(addr, bits), nil
}

func key(a netip.Addr) string {
	b := a.AsSlice()
	h := strings.ToUpper(hex.EncodeToString(b))
	if a.Is6() {
		return V6Tag + h
	}
	return h
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
