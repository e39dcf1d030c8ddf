// Package sqlite implements account persistence over a single SQLite file.
package sqlite
