package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

var TOKEN_ROTATION = 5 * time.Minute

// tokens hands out get_peers write tokens bound to the requester's IP. A
// token stays valid for one rotation after the one it was issued in.
type tokens struct {
	sync.Mutex
	secret   [20]byte
	previous [20]byte
	rotated  time.Time
}

func newTokens() *tokens {
	t := &tokens{rotated: time.Now()}
	rand.Read(t.secret[:])
	t.previous = t.secret
	return t
}

func (t *tokens) rotate() {
	t.previous = t.secret
	rand.Read(t.secret[:])
	t.rotated = time.Now()
}

func (t *tokens) maybeRotate() {
	if time.Since(t.rotated) >= TOKEN_ROTATION {
		t.rotate()
	}
}

func tokenFor(secret [20]byte, ip net.IP) []byte {
	h := sha1.New()
	h.Write(secret[:])
	h.Write(ip.To16())
	return h.Sum(nil)
}

func (t *tokens) issue(ip net.IP) []byte {
	t.Lock()
	defer t.Unlock()

	t.maybeRotate()
	return tokenFor(t.secret, ip)
}

func (t *tokens) valid(token []byte, ip net.IP) bool {
	t.Lock()
	defer t.Unlock()

	t.maybeRotate()
	return string(token) == string(tokenFor(t.secret, ip)) ||
		string(token) == string(tokenFor(t.previous, ip))
}
