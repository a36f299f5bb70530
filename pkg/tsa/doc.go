/*
Package tsa requests RFC 3161 timestamp tokens.

The client builds a DER TimeStampReq with a SHA-256 message imprint and a
fresh nonce, posts it as application/timestamp-query, and accepts only a
200 reply with the timestamp-reply content type and a granted status.
Server errors and network problems classify as transient; malformed or
rejecting replies are permanent.
*/
package tsa
