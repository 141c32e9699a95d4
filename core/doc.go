// Package core implements the Teapotnet content plane: identifiers, the
// block store, the fountain codec, the resource layer, the overlay network
// and its DHT, the tunneler, the per-link network handler and the pub/sub
// fabric. Application glue (users, address books, boards) lives here too,
// following the teacher's convention of one flat domain package.
package core
