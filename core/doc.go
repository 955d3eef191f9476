// Package core defines the shared data model every CrewFlow subsystem
// communicates through: the AgentEvent envelope, the tagged Content union of
// typed content variants, conversation messages and the common error
// taxonomy. It has no dependencies on the other crewflow packages.
package core
