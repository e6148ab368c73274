package assembler

import (
	"strings"

	"github.com/google/uuid"
)

var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://openappsec.io/local-policy"))

// newID derives a stable identifier from its parts so identical input yields identical output.
func newID(parts ...string) string {
	return uuid.NewSHA1(idSpace, []byte(strings.Join(parts, "\x00"))).String()
}
