/*
Package audit builds the JSON sidecar written next to each archived PDF.

The sidecar binds a ticket to its archived document: identifiers, title,
archival time, storage path, SHA-256 digest, signing details, and any
archived attachments. Encoding is deterministic so two runs over the same
input produce byte-identical sidecars.
*/
package audit
