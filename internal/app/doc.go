// Package app composes the vault, the action gate, the session authorizer
// and chain submission into the daemon service exposed by the adapters.
//
// Responsibilities:
// - Implement contracts.DaemonService on top of the domain packages.
// - Publish notifications for approvals, session transitions and vault changes.
// - Signal fatal conditions, such as an exhausted unlock budget, to the host.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
// - Building infrastructure (relay connections, databases, log sinks).
package app
