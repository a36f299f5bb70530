/*
Package config loads and validates the archiver configuration snapshot.

Configuration comes from three layers with increasing precedence: built-in
defaults, an optional YAML file named by CONFIG_PATH, and environment
variables. The snapshot is validated once at startup and treated as
immutable afterwards; changing behavior requires a restart.

Secrets are carried in the Secret type, which redacts itself when printed
or marshalled. ScrubSecrets removes common credential shapes from free-form
text before it reaches logs or ticket notes.
*/
package config
