/*
Journal stores records in append-only segment files.

# Module
  - writer: sequenced, checksummed frames, rotated by size or age
  - reader: frame scanner that stops at a torn tail

# Source
  - signals, order requests and transitions, fills from the engine
  - risk state changes from the risk guard
  - conflicts and checkpoints from recovery

# Produce
  - none

# Sharded
  - none
*/
package journal
