// Package server composes and runs the accounts process boundary.
//
// It wires the credential store, session manager, and gatekeeper middleware
// around one SQLite store so every authentication decision is made from a
// single source of truth.
package server
