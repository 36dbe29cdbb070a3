// Fail2ban NG - A Swiss made, intrusion prevention daemon.
//
// Copyright (C) 2026 Swissmakers GmbH (https://swissmakers.ch)
//
// Licensed under the GNU General Public License, Version 3 (GPL-3.0)
// You may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/gpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =========================================================================
//  Types
// =========================================================================

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidMask    = errors.New("invalid netmask")
)

// An IPv4/IPv6 host or network, or an opaque id that is not an address.
// The zero value is an empty raw id.
type IPAddr struct {
	raw string
	pfx netip.Prefix
}

type cacheKey struct {
	text string
	bits int
}

var parseCache, _ = lru.New[cacheKey, IPAddr](1000)

// =========================================================================
//  Parsing
// =========================================================================

// Parses "1.2.3.4", "1.2.3.0/24", "1.2.3.0/255.255.255.0", "[2001:db8::]/32" or "::ffff:1.2.3.4".
func Parse(text string) (IPAddr, error) {
	return ParseWithPrefix(text, -1)
}

// Parses text with an explicit prefix length; -1 means "from the text or host width".
func ParseWithPrefix(text string, bits int) (IPAddr, error) {
	key := cacheKey{text: text, bits: bits}
	if a, ok := parseCache.Get(key); ok {
		return a, nil
	}
	a, err := parse(strings.TrimSpace(text), bits)
	if err != nil {
		return IPAddr{}, err
	}
	parseCache.Add(key, a)
	return a, nil
}

// Returns the parsed address, or a raw id holding text when it is not an address.
func New(text string) IPAddr {
	a, err := Parse(text)
	if err != nil {
		return IPAddr{raw: strings.TrimSpace(text)}
	}
	return a
}

// Returns a raw (non address) id.
func Raw(id string) IPAddr {
	return IPAddr{raw: id}
}

// Wraps a netip address as a host value.
func FromAddr(addr netip.Addr) IPAddr {
	addr = addr.Unmap().WithZone("")
	return IPAddr{pfx: netip.PrefixFrom(addr, addr.BitLen())}
}

func parse(text string, bits int) (IPAddr, error) {
	if text == "" {
		return IPAddr{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	addrText, maskText, hasMask := strings.Cut(text, "/")
	addrText = strings.TrimSuffix(strings.TrimPrefix(addrText, "["), "]")
	addr, err := netip.ParseAddr(addrText)
	if err != nil {
		return IPAddr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	addr = addr.WithZone("")
	mapped := addr.Is4In6()
	addr = addr.Unmap()

	if hasMask {
		if bits >= 0 {
			return IPAddr{}, fmt.Errorf("%w: prefix given twice in %q", ErrInvalidMask, text)
		}
		bits, err = parseMask(maskText, addr)
		if err != nil {
			return IPAddr{}, err
		}
		if mapped {
			if bits < 96 {
				return IPAddr{}, fmt.Errorf("%w: %q", ErrInvalidMask, text)
			}
			bits -= 96
		}
	}
	if bits < 0 {
		bits = addr.BitLen()
	}
	if bits > addr.BitLen() {
		return IPAddr{}, fmt.Errorf("%w: /%d exceeds %d bits", ErrInvalidMask, bits, addr.BitLen())
	}
	pfx, err := addr.Prefix(bits)
	if err != nil {
		return IPAddr{}, fmt.Errorf("%w: %v", ErrInvalidMask, err)
	}
	return IPAddr{pfx: pfx}, nil
}

// Accepts a prefix length or, for IPv4, a dotted mask without holes.
func parseMask(mask string, addr netip.Addr) (int, error) {
	if n, err := strconv.Atoi(mask); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: /%s", ErrInvalidMask, mask)
		}
		return n, nil
	}
	m, err := netip.ParseAddr(mask)
	if err != nil || !m.Is4() || !addr.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMask, mask)
	}
	b := m.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	ones := 0
	for v&(1<<31) != 0 {
		ones++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("%w: %q is not a prefix mask", ErrInvalidMask, mask)
	}
	return ones, nil
}

// =========================================================================
//  Accessors
// =========================================================================

// Reports whether the value is an address (not a raw id).
func (a IPAddr) IsValid() bool {
	return a.pfx.IsValid()
}

func (a IPAddr) IsIPv4() bool {
	return a.IsValid() && a.pfx.Addr().Is4()
}

func (a IPAddr) IsIPv6() bool {
	return a.IsValid() && a.pfx.Addr().Is6()
}

// Returns "inet4", "inet6" or "" for raw ids.
func (a IPAddr) Family() string {
	switch {
	case a.IsIPv4():
		return "inet4"
	case a.IsIPv6():
		return "inet6"
	}
	return ""
}

// Returns the (masked) address.
func (a IPAddr) Addr() netip.Addr {
	return a.pfx.Addr()
}

// Returns the prefix length, or -1 for raw ids.
func (a IPAddr) Bits() int {
	if !a.IsValid() {
		return -1
	}
	return a.pfx.Bits()
}

// Reports whether the value is a single host.
func (a IPAddr) IsSingle() bool {
	return a.IsValid() && a.pfx.IsSingleIP()
}

// Returns the raw id when the value is not an address.
func (a IPAddr) RawID() string {
	return a.raw
}

// Canonical text: host address, CIDR for networks, or the raw id.
func (a IPAddr) String() string {
	if !a.IsValid() {
		return a.raw
	}
	if a.pfx.IsSingleIP() {
		return a.pfx.Addr().String()
	}
	return a.pfx.String()
}

// Equality is family, masked address and prefix; raw ids compare by text.
func (a IPAddr) Equal(o IPAddr) bool {
	return a.pfx == o.pfx && a.raw == o.raw
}

// Reports whether o lies inside network a.
func (a IPAddr) Contains(o IPAddr) bool {
	if !a.IsValid() || !o.IsValid() {
		return a.raw != "" && a.raw == o.raw
	}
	if a.pfx.Addr().Is4() != o.pfx.Addr().Is4() {
		return false
	}
	if o.pfx.Bits() < a.pfx.Bits() {
		return false
	}
	return a.pfx.Contains(o.pfx.Addr())
}

// Returns the reversed address followed by suffix. An empty suffix yields the bare
// reversed labels (the "ip-rev" form); use ReverseName for the full PTR name.
func (a IPAddr) PTR(suffix string) string {
	if !a.IsValid() {
		return ""
	}
	addr := a.pfx.Addr()
	var parts []string
	if addr.Is4() {
		b := addr.As4()
		for i := len(b) - 1; i >= 0; i-- {
			parts = append(parts, strconv.Itoa(int(b[i])))
		}
	} else {
		b := addr.As16()
		const hexdigits = "0123456789abcdef"
		for i := len(b) - 1; i >= 0; i-- {
			parts = append(parts, string(hexdigits[b[i]&0x0f]), string(hexdigits[b[i]>>4]))
		}
	}
	rev := strings.Join(parts, ".")
	if suffix == "" {
		return rev + "."
	}
	return rev + "." + suffix
}

// Returns the full reverse-zone name.
func (a IPAddr) ReverseName() string {
	switch {
	case a.IsIPv4():
		return a.PTR("in-addr.arpa.")
	case a.IsIPv6():
		return a.PTR("ip6.arpa.")
	}
	return ""
}

// Drops every cached parse result.
func ClearCache() {
	parseCache.Purge()
}
