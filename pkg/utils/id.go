// Package utils holds the turn identifier generator.
package utils

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var turnCounter uint32

// GenerateID returns a 24 hex character identifier: a 4-byte unix timestamp,
// 5 random bytes and a 3-byte process counter. IDs sort by creation second.
func GenerateID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:9])
	c := atomic.AddUint32(&turnCounter, 1) & 0xFFFFFF
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// TimeOf extracts the creation second of an ID made by GenerateID.
func TimeOf(id string) (time.Time, error) {
	if len(id) != 24 {
		return time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	b, err := hex.DecodeString(id[:8])
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(binary.BigEndian.Uint32(b)), 0), nil
}
