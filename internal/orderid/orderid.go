// Package orderid encodes order ownership into exchange client order ids.
//
// The id is the only link between a desired order and a live one, so every
// component that needs to know who owns an order goes through Parse.
package orderid

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jxskiss/base62"
)

// Owner identifies which sub-strategy placed an order.
type Owner int

const (
	Unknown Owner = iota
	MMBuy
	MMSell
	PriceSupport
)

// Category groups owners that are reconciled together.
type Category int

const (
	CategoryNone Category = iota
	CategoryMM
	CategoryPS
)

const sep = "_"

var prefixes = map[Owner]string{
	MMBuy:        "mmb",
	MMSell:       "mms",
	PriceSupport: "ps",
}

func (o Owner) String() string {
	if p, ok := prefixes[o]; ok {
		return p
	}
	return "unknown"
}

// Category returns the reconciliation group of the owner.
func (o Owner) Category() Category {
	switch o {
	case MMBuy, MMSell:
		return CategoryMM
	case PriceSupport:
		return CategoryPS
	default:
		return CategoryNone
	}
}

// ID is a parsed client order id.
type ID struct {
	Owner     Owner
	CreatedAt time.Time
}

// New returns "<prefix>_<base62 unix ms>_<base62 random>", at most 23 characters.
func New(owner Owner, at time.Time) string {
	prefix, ok := prefixes[owner]
	if !ok {
		prefix = "x"
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(sep)
	b.Write(base62.FormatInt(at.UnixMilli()))
	b.WriteString(sep)
	b.Write(base62.FormatUint(uint64(rand.Uint32())))
	return b.String()
}

// Parse decodes a client order id produced by New. Foreign ids return ok=false.
func Parse(clientOrderID string) (ID, bool) {
	parts := strings.Split(clientOrderID, sep)
	if len(parts) != 3 {
		return ID{}, false
	}
	owner := Unknown
	for o, p := range prefixes {
		if parts[0] == p {
			owner = o
			break
		}
	}
	if owner == Unknown {
		return ID{}, false
	}
	ms, err := base62.ParseInt([]byte(parts[1]))
	if err != nil || ms <= 0 {
		return ID{}, false
	}
	return ID{Owner: owner, CreatedAt: time.UnixMilli(ms)}, true
}

// OwnerOf returns the owner encoded in clientOrderID, or Unknown.
func OwnerOf(clientOrderID string) Owner {
	id, ok := Parse(clientOrderID)
	if !ok {
		return Unknown
	}
	return id.Owner
}

// CategoryOf is shorthand for OwnerOf(id).Category().
func CategoryOf(clientOrderID string) Category {
	return OwnerOf(clientOrderID).Category()
}
