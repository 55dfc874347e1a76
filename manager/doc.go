// Package manager brings an SPP stack up and runs it: stack events flow
// through the dispatcher into the pairing policy, the discovery coordinator
// (client role) and the session table, while operator commands drive
// discovery, connections and bond management.
package manager
