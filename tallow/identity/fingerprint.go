package identity

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Emoji alphabet for visual fingerprints. 64 distinct symbols.
var fingerprintEmojis = []string{
	"🔐", "🌟", "🔥", "🌊", "🎯", "🚀", "💎", "🌈",
	"🦊", "🐻", "🦅", "🐬", "🌸", "🍀", "🌙", "⚡",
	"🎵", "🎨", "🏔", "🌋", "🦋", "🐝", "🌺", "🍁",
	"❄", "☀", "🌻", "🍄", "🦈", "🐙", "🦀", "🌵",
	"🎭", "🎪", "🎲", "🎸", "🏴", "⛵", "🗝", "🔮",
	"🎃", "🌾", "🍇", "🫐", "🥝", "🍊", "🌰", "🥨",
	"🦉", "🐺", "🦁", "🐸", "🦆", "🦜", "🐢", "🦎",
	"🏖", "🏕", "🎠", "🎡", "⛰", "🗻", "🏜", "🌏",
}

// FingerprintHex renders a public key as 16 colon-separated hex pairs for
// out-of-band comparison.
func FingerprintHex(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	parts := make([]string, 16)
	for i, b := range sum[:16] {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// FingerprintEmoji maps the first 8 hash bytes to emojis so two people can
// verify keys visually over a call.
func FingerprintEmoji(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	parts := make([]string, 8)
	for i, b := range sum[:8] {
		parts[i] = fingerprintEmojis[int(b)%len(fingerprintEmojis)]
	}
	return strings.Join(parts, " ")
}

// FingerprintShort is an 8-character display fingerprint. Not collision
// resistant; use the full forms for verification.
func FingerprintShort(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	return fmt.Sprintf("%x", sum[:4])
}
