// Package metadata keeps the client's view of the cluster topology: which
// broker leads which partition of which stream.
//
// A [Metadata] value is an immutable snapshot built from one FetchMetadata
// response. The [Cache] holds the current snapshot behind an atomic pointer
// and replaces it wholesale on every successful [Cache.Update], so readers
// never lock and never observe a half-applied refresh.
//
// Consumers should call [Cache.Get] whenever they need topology and must not
// keep derived values such as partition counts around.
package metadata
