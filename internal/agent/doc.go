// Package agent contains the broker-consuming agents and their scheduler.
//
// # Overview
//
// The daemon runs a fixed set of agents. Each agent owns exactly one
// topic subscription and turns inbound messages into store operations
// and, usually, a response published to the message's reply topic.
//
// # Manager
//
// The Manager subscribes every agent, registers the consumer handles
// with the runtime context, and schedules the receive loops onto a
// bounded set of worker slots:
//
//	mgr := agent.NewManager(rc, pool, cfg.Agents, logger)
//	err := mgr.StartAll(ctx, agents)
//
// If fewer slots than agents are configured, surplus agents queue behind
// the others. Any subscribe failure aborts startup entirely.
//
// # Runner
//
// A Runner is one agent's receive loop. It pulls messages while the
// daemon is accepting work, re-checks the state after each receive (a
// message that arrives as the drain begins is left unacknowledged for
// the broker to account), and hands processing to the shared
// ResponsePool. Message processing failures follow the configured
// policy: acknowledge and drop, or negatively acknowledge for
// redelivery.
//
// # ResponsePool
//
// The ResponsePool is a fixed set of workers executing processing tasks.
// Its Shutdown waits a bounded time for in-flight tasks, then cancels
// the task context to force the stragglers out.
package agent
