/*
Package snapshot builds the immutable view of a ticket that rendering,
signing, and the audit record operate on.

Construction is pure: the caller fetches ticket, tags, and articles, and
Build normalises them — chronological article order, sanitised HTML bodies
with a plain-text fallback, UTC timestamps, and the article cap policy.
Attachment binaries are metadata-only unless enrichment is enabled with
explicit size budgets.
*/
package snapshot
