/*
Engine wires the trading core of one process.

# Module
  - in-memory bus: carries signals, market data, order events and audit events
  - signal pipeline: one queue per symbol, risk guard then order lifecycle manager
  - market loop: normalizer, price observation, paper matching, strategy runtime
  - supervisor: exchange ping, recovery on start and on reconnect
  - sweeper: pending retries and order TTL

# Source
 1. signals from strategies or any bus publisher
 2. market data from the synthetic feed or any bus publisher
 3. fills and order updates pushed by the exchange gateway

# Produce
  - order requests to the exchange gateway
  - records to the repository
  - position snapshot on shutdown

# Sharded
  - symbol
*/
package engine
