package ticket

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces ids of the form PREFIX-counter-random-suffix.
// The random part is a hyphen-free v4 UUID; the suffix usually names the
// issuing node so ids stay unique across a cluster.
type IDGenerator struct {
	suffix  string
	counter atomic.Uint64
}

// NewIDGenerator returns a generator appending suffix to every id. An
// empty suffix is allowed.
func NewIDGenerator(suffix string) *IDGenerator {
	return &IDGenerator{suffix: strings.ReplaceAll(suffix, "-", "")}
}

// New returns a fresh id for prefix.
func (g *IDGenerator) New(prefix string) string {
	n := g.counter.Add(1)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	var b strings.Builder
	b.Grow(len(prefix) + len(random) + len(g.suffix) + 24)
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('-')
	b.WriteString(random)
	if g.suffix != "" {
		b.WriteByte('-')
		b.WriteString(g.suffix)
	}
	return b.String()
}
