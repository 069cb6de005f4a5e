// Package trust issues and checks the short-lived trust tokens that let a
// merchant keep working offline after a high-confidence online login, and
// computes the trust score that gates issuance.
//
// A token is signed with HMAC-SHA256 over the canonical JSON of its identity
// fields. Validation is local and synchronous: it needs the secret, the
// presenting device fingerprint and the clock, nothing else.
//
// Token lifecycle:
//
//	Unissued -> Issued -> {Valid | NeedsRenewal | Expired | Invalid(reason)}
package trust
