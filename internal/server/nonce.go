package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NonceHeader carries the widget's nonce on chat requests.
const NonceHeader = "X-WP-Nonce"

// NonceAction is the action every widget nonce is issued for.
const NonceAction = "wp_rest"

// nonceTick is half a nonce's lifetime. A nonce is accepted during the
// tick it was issued in and the one after, so it lives 12 to 24 hours.
const nonceTick = 12 * time.Hour

// nonceLen is the number of hex characters kept from the MAC.
const nonceLen = 20

// Nonces issues and checks short-lived HMAC tokens that tie chat requests
// to a page served by this site. They are not secret per visitor; they
// only stop other origins from posting to the endpoint blind.
type Nonces struct {
	secret []byte
	now    func() time.Time
}

// NewNonces creates a Nonces signer. An empty secret is replaced by 32
// random bytes.
func NewNonces(secret string) (*Nonces, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating nonce secret: %w", err)
		}
	}
	return &Nonces{secret: key, now: time.Now}, nil
}

// Issue returns a nonce for action valid from now.
func (n *Nonces) Issue(action string) string {
	return n.sign(action, n.tick())
}

// Verify reports whether nonce was issued for action in the current or
// previous tick.
func (n *Nonces) Verify(nonce, action string) bool {
	if len(nonce) != nonceLen {
		return false
	}
	tick := n.tick()
	for _, t := range []int64{tick, tick - 1} {
		if hmac.Equal([]byte(nonce), []byte(n.sign(action, t))) {
			return true
		}
	}
	return false
}

func (n *Nonces) tick() int64 {
	return n.now().Unix() / int64(nonceTick/time.Second)
}

func (n *Nonces) sign(action string, tick int64) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(action))
	return hex.EncodeToString(mac.Sum(nil))[:nonceLen]
}
