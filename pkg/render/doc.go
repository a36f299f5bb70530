/*
Package render composes ticket snapshots into print-oriented HTML and
converts them to PDF through a pluggable Engine.

Article bodies arrive pre-sanitised from the snapshot builder; plain-text
bodies are escaped by the template. The default variant carries the full
ticket header and attachment lists, the minimal variant just the bodies.
*/
package render
