// Package policy resolves the quota policy the admission gate runs with.
//
// Exactly one source is used, chosen at startup by precedence: an S3 object
// (optionally verified against a detached KMS signature), an SSM parameter, a
// local file, and finally the quota flags. A document that fails to fetch,
// verify, parse or validate stops startup; it never falls through to a lower
// source.
package policy
