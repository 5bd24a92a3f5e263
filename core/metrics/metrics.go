// Package metrics holds the backend-neutral instrument types shared by the
// per-component metrics interfaces (client, metadata cache). Backends such
// as adapters/prometheus implement them.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes.
type Timer interface {
	ObserveDuration()
}
