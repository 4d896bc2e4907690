package consistency

import (
	"hash/crc32"
	"time"
)

// Entry is one cached value together with the metadata the policies need.
// Checksum covers Value only; a mismatch on read means the entry is corrupt
// and is treated as a miss.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	Checksum  uint32
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func newEntry(key string, value []byte, version int64, ttl time.Duration, now time.Time) Entry {
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		Checksum:  crc32.ChecksumIEEE(value),
		UpdatedAt: now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

func (e Entry) Corrupt() bool {
	return crc32.ChecksumIEEE(e.Value) != e.Checksum
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}
