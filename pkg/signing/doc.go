/*
Package signing appends invisible PAdES signatures to rendered PDFs.

The signing material is a PKCS#12 bundle loaded once at startup. Each
signature is an incremental update: the signed revision stays
byte-identical, and a detached CMS SignedData over the document byte
ranges lands in the /Contents window. When a timestamper is configured,
the RFC 3161 token over the signature value is embedded as the
signature-time-stamp unsigned attribute.
*/
package signing
