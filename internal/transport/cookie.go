package transport

import "strings"

// SameSite mirrors the three values a Set-Cookie attribute may carry.
// Lax is the default and, per spec §6, is never emitted explicitly.
type SameSite int

const (
	SameSiteLax SameSite = iota
	SameSiteStrict
	SameSiteNone
)

// Cookie describes one Set-Cookie response header (spec §6).
type Cookie struct {
	Name, Value string
	Domain      string
	Path        string
	Secure      bool
	HttpOnly    bool
	SameSite    SameSite
}

// String serialises the cookie as "name=value; [Domain=...; Path=...;
// Secure; HttpOnly; SameSite=...]".
func (c Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	switch c.SameSite {
	case SameSiteStrict:
		b.WriteString("; SameSite=Strict")
	case SameSiteNone:
		b.WriteString("; SameSite=None")
	}
	return b.String()
}

// SetCookie appends one Set-Cookie response header. Multiple calls
// are permitted per response (spec §6).
func (tx *Transaction) SetCookie(c Cookie) {
	tx.SetHeader("Set-Cookie", c.String())
}
