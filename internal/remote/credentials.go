package remote

import (
	"strings"
	"sync/atomic"
)

// CredentialPool is a fixed list of API tokens with a shared round-robin
// cursor. It is safe for concurrent use.
type CredentialPool struct {
	tokens []string
	cursor atomic.Uint64
}

// NewCredentialPool builds a pool from tokens, dropping blanks. An empty
// pool holds a single anonymous credential.
func NewCredentialPool(tokens ...string) *CredentialPool {
	var kept []string
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = []string{""}
	}
	return &CredentialPool{tokens: kept}
}

// Len returns the number of credentials.
func (p *CredentialPool) Len() int {
	return len(p.tokens)
}

// Current returns the index of the credential in use.
func (p *CredentialPool) Current() int {
	return int(p.cursor.Load() % uint64(len(p.tokens)))
}

// Rotate advances past credential from and returns the new index. If another
// caller already rotated away from from, the cursor is left alone.
func (p *CredentialPool) Rotate(from int) int {
	n := uint64(len(p.tokens))
	for {
		cur := p.cursor.Load()
		if int(cur%n) != from {
			return int(cur % n)
		}
		if p.cursor.CompareAndSwap(cur, cur+1) {
			return int((cur + 1) % n)
		}
	}
}

func (p *CredentialPool) token(i int) string {
	return p.tokens[i]
}
