// Package digest implements content addressing for the farm: SHA-256
// digests, their canonical "<hash>_<size>" key form and the ByteStream
// resource names built from them.
package digest
