package commandbus

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/glimte/cqrsbus-go/contracts"
)

// WireID is the id a worker is addressed by on the wire. It only depends on the
// handler name and schema file, compared case-insensitively, so processes
// registering the same command agree on it without coordination.
func WireID(handlerName, schemaFile string) string {
	return hashHex(strings.ToLower(handlerName + "-" + schemaFile))
}

// wireIDOf computes the wire id of a command's metadata
func wireIDOf(meta contracts.CommandMeta) string {
	handler := meta.HandlerName
	if handler == "" {
		handler = meta.Name
	}
	return WireID(handler, meta.SchemaFile)
}

// anonymousID returns a fresh id for a single-use worker
func anonymousID() string {
	return hashHex(uuid.NewString())
}

func hashHex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}
