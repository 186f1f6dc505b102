// Package tls builds listener TLS configuration for the enhancement API.
//
// Certificates are served through a Reloader so rotated key pairs are picked
// up without restarting the listener.
package tls
