// Package transports imports all built-in broker systems for side-effect
// registration. Import it to have every system available in the default
// registry; import individual packages to keep the dependency surface small.
package transports

import (
	_ "github.com/relaykit/relaykit/transport/jetstream"
	_ "github.com/relaykit/relaykit/transport/memory"
	_ "github.com/relaykit/relaykit/transport/rabbitmq"
	_ "github.com/relaykit/relaykit/transport/redisstream"
)
