/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# RamStore: a low-latency in-memory storage node

RamStore keeps all objects in RAM and serves them over its own reliable
RPC protocol layered directly on unreliable datagrams, trading protocol
generality for round-trip latency.

## Building Blocks

* transport - reliable, fragmenting, windowed request/response RPC over
  a datagram driver. Sessions are found by a compact hint echoed in
  every packet and guarded by a random token; each session multiplexes
  concurrent RPCs over a fixed set of channels.

* transport/udp - the UDP datagram driver.

* common/buffer - chunked byte sequences for request and reply
  payloads; headers are prepended and received packet memory appended
  without copying the data.

* common/hashtable - the object index: a 128-bit key to tagged
  reference map with cache-line-packed buckets and chained overflow
  lines.

* objectstore - the in-memory object table and the RPC service that
  fronts it.

* client - typed object operations (ping/write/read/remove) over the
  transport.

Every server exposes an admin RESTful endpoint for stats, metrics and
profiling.

## Data Model

* Object, (tableID, key) --> value bytes.

* Table, the logical namespace objects live in.

## Threading

A transport and everything above it is single-threaded by design: one
goroutine polls the driver, fires timers and runs the service loop.
Scale-out is by running more nodes, not more locks.

*/

package ramstore
