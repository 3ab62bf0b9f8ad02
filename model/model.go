package model

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinInt32 = -1 << 31
	MaxInt32 = 1<<31 - 1
	MinInt64 = -1 << 63
	MaxInt64 = 1<<63 - 1

	// InterestRateFloor and InterestRateCeil bound the annual interest
	// rate (in percents) that can ever be established on an account.
	InterestRateFloor = -50.0
	InterestRateCeil  = 100.0

	// RootCreditorID marks the debtor's own account. It issues all the
	// money, and all interest and demurrage payments come from/to it.
	RootCreditorID int64 = 0

	TransferNoteMaxBytes = 500
	ConfigDataMaxBytes   = 2000

	SecondsInDay  = 24 * 60 * 60
	SecondsInYear = 365.25 * SecondsInDay
)

// BeginningOfTime is the placeholder timestamp for "never happened yet"
// fields. It predates every meaningful event in the system.
var BeginningOfTime = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Date20200101 is the epoch from which account creation dates are counted
// when deriving initial transfer IDs and transfer numbers.
var Date20200101 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// IncrementSeqnum increments a 32-bit sequence number, wrapping around to
// MinInt32 after MaxInt32.
func IncrementSeqnum(n int32) int32 {
	if n == MaxInt32 {
		return MinInt32
	}
	return n + 1
}

// IsLaterSeqnum reports whether seqnum a comes after seqnum b under 32-bit
// wrapping arithmetic: 0 < (a - b) mod 2^32 < 2^31.
func IsLaterSeqnum(a, b int32) bool {
	d := uint32(a) - uint32(b)
	return 0 < d && d < 1<<31
}

// IsNewerConfig compares two configuration versions. The timestamp is the
// primary key and the wrapping seqnum is the tiebreaker.
func IsNewerConfig(ts time.Time, seqnum int32, thanTS time.Time, thanSeqnum int32) bool {
	if ts.After(thanTS) {
		return true
	}
	if ts.Before(thanTS) {
		return false
	}
	return IsLaterSeqnum(seqnum, thanSeqnum)
}

// DateToInt24 returns the number of days between 2020-01-01 and the given
// date, truncated to 24 bits. Account creation dates map through this to the
// high bits of initial transfer IDs, so that IDs from different account
// "epochs" never collide.
func DateToInt24(d time.Time) int64 {
	days := int64(DateOnly(d).Sub(Date20200101).Hours() / 24)
	return days & 0xffffff
}

// DateOnly truncates a timestamp to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// U64String renders an int64 account identity as its unsigned decimal
// representation. This is the canonical form of the `recipient`, `sender`,
// and `account_id` message fields.
func U64String(n int64) string {
	return strconv.FormatUint(uint64(n), 10)
}

// ParseU64String parses an account identity previously produced by
// U64String. An error is returned for anything else.
func ParseU64String(s string) (int64, error) {
	if s == "" || (s[0] == '0' && len(s) > 1) {
		return 0, fmt.Errorf("invalid account identity: %q", s)
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account identity: %q", s)
	}
	return int64(u), nil
}

// I64ToHexRoutingKey renders an int64 as eight dot-separated hex byte pairs,
// big-endian. Example: 2 -> "00.00.00.00.00.00.00.02".
func I64ToHexRoutingKey(n int64) string {
	parts := make([]string, 8)
	u := uint64(n)
	for i := 0; i < 8; i++ {
		parts[i] = fmt.Sprintf("%02x", byte(u>>(56-8*i)))
	}
	return strings.Join(parts, ".")
}

// CalcBinRoutingKey hashes an account's primary key and renders the top 24
// bits of the digest as dot-separated bits. Messages for one account always
// land on the same shard queue.
func CalcBinRoutingKey(debtorID, creditorID int64) string {
	h := md5.New()
	var buf [8]byte
	putInt64(buf[:], debtorID)
	h.Write(buf[:])
	putInt64(buf[:], creditorID)
	h.Write(buf[:])
	digest := h.Sum(nil)

	var sb strings.Builder
	sb.Grow(47)
	for i := 0; i < 3; i++ {
		for bit := 7; bit >= 0; bit-- {
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			if digest[i]&(1<<bit) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String()
}

func putInt64(b []byte, n int64) {
	u := uint64(n)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (56 - 8*i))
	}
}

// ShardingRealm decides which accounts belong to this node. It is derived
// from the binding key of the node's inbound queue: a prefix of bits
// (possibly "#" for everything) that CalcBinRoutingKey must match.
type ShardingRealm struct {
	prefix string
}

// NewShardingRealm parses a binding key like "0.1.#" or "#". The bits before
// the trailing "#" form the ownership prefix.
func NewShardingRealm(bindingKey string) (*ShardingRealm, error) {
	if bindingKey == "#" {
		return &ShardingRealm{prefix: ""}, nil
	}
	parts := strings.Split(bindingKey, ".")
	if parts[len(parts)-1] != "#" {
		return nil, fmt.Errorf("invalid binding key: %q", bindingKey)
	}
	bits := parts[:len(parts)-1]
	for _, b := range bits {
		if b != "0" && b != "1" {
			return nil, fmt.Errorf("invalid binding key: %q", bindingKey)
		}
	}
	return &ShardingRealm{prefix: strings.Join(bits, ".")}, nil
}

// Owns reports whether the account (debtorID, creditorID) is handled by
// this node.
func (r *ShardingRealm) Owns(debtorID, creditorID int64) bool {
	if r.prefix == "" {
		return true
	}
	key := CalcBinRoutingKey(debtorID, creditorID)
	return strings.HasPrefix(key, r.prefix+".") || key == r.prefix
}
