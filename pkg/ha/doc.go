// Package ha provides optional Raft-backed replication of queue-DB
// mutations, so a standby coordinator can take over claim/heartbeat
// responsibility if the leader dies without losing in-flight task or
// ingest-group state.
//
// A Node is constructed only when ha.enabled is set. With no peer
// addresses it bootstraps a single-node cluster; with peers it joins
// them. Node.Apply proposes a Command to the Raft log and blocks until
// the local FSM has applied it. The queue, workflow engine, grouper and
// scheduler write to storage.Store directly and do not call Node.Apply.
//
// This is deliberately narrower than general Raft-replicated state
// machines: only the operations a running coordinator actually
// performs against its Store are represented as Command ops (task
// lifecycle, workflow metadata, trigger bookkeeping, ingest group
// updates). There is no cluster membership UI; AddVoter and
// RemoveServer are meant to be driven by an operator during planned
// maintenance, not by automatic discovery.
package ha
