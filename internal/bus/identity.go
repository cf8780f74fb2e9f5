package bus

import (
	"log"
	"os"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// Identity holds the two per-process queue addresses a front-facing instance
// owns: the replication queue bound to the fanout exchange, and the stream
// queue workers publish tokens to directly. Built once at startup, read-only
// afterwards. Other instances only learn the stream address through the
// replyToAddress carried on work items.
type Identity struct {
	ReplicationQueue string
	StreamQueue      string
}

var queueNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeHost maps a hostname into the broker's queue-name alphabet.
func sanitizeHost(host string) string {
	if host == "" {
		return "unknown"
	}
	return queueNameUnsafe.ReplaceAllString(host, "_")
}

// instanceSuffix returns a process-unique queue name suffix:
// sanitized hostname plus a fresh ULID.
func instanceSuffix() string {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	return sanitizeHost(host) + "." + ulid.Make().String()
}

// NewIdentity declares both ephemeral queues for this process.
func NewIdentity(b *Bus, replPrefix, replExchange, streamPrefix string) (Identity, error) {
	suffix := instanceSuffix()

	repl, err := b.DeclareEphemeral(replPrefix+"."+suffix, replExchange)
	if err != nil {
		return Identity{}, err
	}
	stream, err := b.DeclareEphemeral(streamPrefix+"."+suffix, "")
	if err != nil {
		return Identity{}, err
	}

	log.Printf("bus: declared instance queues replication=%s stream=%s", repl, stream)
	return Identity{ReplicationQueue: repl, StreamQueue: stream}, nil
}

// NewReplicationIdentity declares only the replication queue, for worker
// processes that never receive streamed tokens.
func NewReplicationIdentity(b *Bus, replPrefix, replExchange string) (Identity, error) {
	repl, err := b.DeclareEphemeral(replPrefix+"."+instanceSuffix(), replExchange)
	if err != nil {
		return Identity{}, err
	}
	log.Printf("bus: declared instance queues replication=%s", repl)
	return Identity{ReplicationQueue: repl}, nil
}
