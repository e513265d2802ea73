package book

import "errors"

var (
	// ErrTransportOffline rejects a snapshot request attempted while the
	// transport reports disconnected. Nothing is retried and no cached
	// state is touched.
	ErrTransportOffline = errors.New("server is offline")

	// ErrInvalidResponse flags a malformed book_offers snapshot. An empty
	// model is emitted alongside so subscribers never hang.
	ErrInvalidResponse = errors.New("invalid book_offers response")

	// ErrInvariant marks a contract violation fed in by malformed ledger
	// data: an invalid account, a negative offer total, a fund lookup for
	// an untracked owner. The current operation is abandoned because
	// continuing with inconsistent caches is worse than failing loudly.
	ErrInvariant = errors.New("invariant violation")
)
