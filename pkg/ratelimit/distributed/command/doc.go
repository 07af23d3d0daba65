// Package command defines the closed set of operations that can be applied to
// a remote bucket, together with their binary encoding.
//
// A command is a value: executing it against the same state at the same
// instant always produces the same result and the same new state. Backends
// rely on this to re-run a command after losing a compare-and-swap race, and
// clients rely on it to send the same bytes twice without double effects on
// the result they observe.
//
// # Execution
//
//	state := command.NewRemoteBucketState(cfg, now)
//	out := command.Execute(command.TryConsume{Tokens: 1}, state, now)
//	if out.Modified {
//		persist(out.State)
//	}
//
// Execute never mutates its input. A nil state models a missing bucket: only
// CreateInitialState and CreateInitialStateAndExecute (or a Multi containing
// one) run against it, every other command yields a not-found result.
//
// # Encoding
//
// Every encoded object starts with a type id and a protocol version, both
// big-endian uint16. Version 1 is the baseline; version 2 adds bandwidth
// ids, ConsumptionProbe.NanosToWaitForReset and the Reset and ForceAddTokens
// commands. Readers accept any version between MinSupportedVersion and
// CurrentVersion and writers can target an older version so that mixed
// deployments keep working during a rollout:
//
//	data, err := command.MarshalState(state, command.V1)
//
// Payloads outside the supported window fail with an error wrapping
// errors.ErrUnsupportedVersion.
package command
