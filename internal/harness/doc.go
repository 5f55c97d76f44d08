// Package harness runs sync scenarios against a real session and checks
// the resulting dispatch trace and cache state.
//
// Each scenario gets a fresh in-memory cache, a fake remote authority
// seeded from the scenario's snapshot, a fixed key ring and sequential
// request ids, so the same scenario always produces the same trace.
//
// # Scenario Format
//
//	name: move_after_create
//	description: "A created file can be renamed and moved"
//	snapshot:
//	  marker: sn-0
//	  nodes:
//	    - {handle: RRRRRRRR, type: root}
//	    - {handle: AAAAAAAA, parent: RRRRRRRR, type: folder, name: docs}
//	remote:
//	  - {handle: EEEEEEEE, parent: RRRRRRRR, type: file, name: late.txt}
//	requests:
//	  - {name: mine, target: AAAAAAAA}
//	faults:
//	  flush_failures: 2
//	  fetch_failures: 0
//	packets:
//	  - kind: t
//	    sn: sn-1
//	    nodes:
//	      - {handle: BBBBBBBB, parent: AAAAAAAA, type: file, name: a.txt}
//	  - line: '{"a":"m","sn":"sn-2","n":"BBBBBBBB","p":"RRRRRRRR"}'
//	  - {kind: m, sn: sn-3, target: AAAAAAAA, request: mine, payload: {p: RRRRRRRR}}
//	assertions:
//	  - {type: dispatch_order, kinds: [t, m]}
//	  - {type: dispatch_count, kind: m, count: 2}
//	  - {type: dispatch_error, slot: 2, code: SUPERSEDED}
//	  - {type: node, handle: BBBBBBBB, expect: {parent: RRRRRRRR, name: a.txt}}
//	  - {type: watermark, value: sn-3}
//	  - {type: health, state: ok}
//
// Snapshot nodes are resident before the first packet. Remote nodes are
// only known to the fake authority and reach the tree through prefetch.
// Nodes marked foreign are sealed under a key the ring does not hold.
//
// # Assertion Types
//
//   - dispatch_order: the kinds appear in this relative order
//   - dispatch_count: a kind was committed exactly count times
//   - dispatch_error: the slot committed with the error code
//   - node: the cached row of a node matches expect, or is absent
//   - watermark: the durable watermark after the final flush
//   - health: the cache state after the final flush
//
// # Golden Traces
//
// RunWithGolden stores the canonical JSON trace under
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
