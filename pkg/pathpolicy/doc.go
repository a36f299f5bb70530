/*
Package pathpolicy decides where archived documents may live on disk.

The policy is strict but deterministic: raw segments are validated before
sanitisation so that separators, dot segments, and null bytes are rejected
rather than silently rewritten; sanitisation then reduces each segment to
[A-Za-z0-9._-]; and the final target is checked against the storage root.
An optional allow-prefix list restricts which subtrees tickets may be
archived into. Every violation is a policy decision, not an I/O failure,
and callers treat it as permanent.
*/
package pathpolicy
