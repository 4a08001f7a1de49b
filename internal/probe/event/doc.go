// Package event defines the vocabulary shared by every probe component.
//
// It provides:
//   - Kind: the event code byte identifying what a probe observes
//   - Location: a (type, member, signature) triple naming a program location
//   - ConsumerKey and KeySet: the unit of reference counting
//   - Request and Condition: immutable request objects produced by the
//     specification parser
//   - AdaptiveSpec: the per-consumer record of which observations are
//     currently wanted, consulted by the rewriter when it creates probes
//
// Event codes are part of the persisted state format and must not be
// renumbered.
package event
