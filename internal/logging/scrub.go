// Package logging configures slog for the runtime and scrubs personal data
// out of every record before it reaches the sink.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	secretPattern = regexp.MustCompile(`(?i)(?:password|pwd|pass|token|apikey|api_key|secret|bearer)\s*[:=]\s*['"]?([^'"\s]+)['"]?`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	cniPattern    = regexp.MustCompile(`(?i)CI[0-9]{12}`)
	cardPattern   = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	amountPattern = regexp.MustCompile(`(?i)\b\d+(?:[ ,]\d{3})*(?:[.,]\d{2})?\s*(?:FCFA|F\s*CFA|XOF|€|\$)`)
	pinPattern    = regexp.MustCompile(`(?i)\bPIN\s*[:=]?\s*(\d{4})\b`)
	phonePattern  = regexp.MustCompile(`(\+225|00225|0)?[0-9]{10}`)
)

// Scrub masks phone numbers, national ID numbers, emails, card numbers,
// amounts with a currency, PIN codes and key=value secrets in s.
func Scrub(s string) string {
	s = replaceGroup(secretPattern, s, func(secret string) string {
		return "[SECRET:" + shortHash(secret) + "]"
	})
	s = emailPattern.ReplaceAllStringFunc(s, maskEmail)
	s = cniPattern.ReplaceAllStringFunc(s, maskCNI)
	s = cardPattern.ReplaceAllStringFunc(s, maskCard)
	s = amountPattern.ReplaceAllStringFunc(s, func(m string) string {
		return "[AMOUNT:" + shortHash(m) + "]"
	})
	s = replaceGroup(pinPattern, s, func(string) string { return "****" })
	s = phonePattern.ReplaceAllStringFunc(s, maskPhone)
	return s
}

// replaceGroup rewrites the first capture group of every match.
func replaceGroup(re *regexp.Regexp, s string, fn func(string) string) string {
	return re.ReplaceAllStringFunc(s, func(m string) string {
		sub := re.FindStringSubmatch(m)
		if len(sub) < 2 || sub[1] == "" {
			return m
		}
		return strings.Replace(m, sub[1], fn(sub[1]), 1)
	})
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func maskPhone(phone string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(phone)
	if len(cleaned) < 8 {
		return "***"
	}
	start := cleaned[:min(4, len(cleaned)-4)]
	return start + "****" + cleaned[len(cleaned)-4:]
}

func maskCNI(cni string) string {
	return cni[:4] + "****" + cni[len(cni)-4:]
}

func maskCard(card string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(card)
	if len(cleaned) != 16 {
		return "****"
	}
	return cleaned[:4] + " **** **** " + cleaned[12:]
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "[EMAIL]"
	}
	maskedLocal := "***"
	if len(local) > 2 {
		maskedLocal = local[:1] + "***" + local[len(local)-1:]
	}
	name, tld, _ := strings.Cut(domain, ".")
	maskedDomain := "***"
	if len(name) > 2 {
		maskedDomain = name[:1] + "***"
	}
	return maskedLocal + "@" + maskedDomain + "." + tld
}
