/*
Package ingress is the webhook-facing HTTP surface.

The middleware chain runs outermost first: request-id stamping, body size
limiting, per-client rate limiting, and HMAC verification on the ingest
paths. Handlers answer with canonical error bodies {"detail":"<slug>"}
and hand accepted tickets to the dispatcher after responding metadata is
validated, never processing inline.
*/
package ingress
