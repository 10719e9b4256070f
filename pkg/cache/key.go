package cache

import (
	"strconv"

	"small-dns/pkg/config"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// Key identifies a cached response: the normalized question name and its type.
type Key struct {
	Name  string
	Qtype uint16
}

// NewKey builds a Key from a question name as asked on the wire.
func NewKey(name string, qtype uint16) Key {
	return Key{Name: config.NormalizeDomain(name), Qtype: qtype}
}

// String renders the key as "name:TYPE", e.g. "example.com:A".
func (k Key) String() string {
	if label, ok := dns.TypeToString[k.Qtype]; ok {
		return k.Name + ":" + label
	}
	return k.Name + ":TYPE" + strconv.FormatUint(uint64(k.Qtype), 10)
}

// hash picks the shard for a key.
func (k Key) hash() uint64 {
	return xxhash.Sum64String(k.String())
}
