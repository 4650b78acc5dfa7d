package task

import "github.com/itskum47/taskforge/store"

// All multi-key task mutations run as single Lua scripts so queue
// membership, counters, history and the published event move together.
// Shared KEYS layout (createScript, transitionScript, deleteScript):
//
//	KEYS[1]  task:{id}
//	KEYS[2]  tasks:pending:primary
//	KEYS[3]  tasks:pending:retry
//	KEYS[4]  tasks:scheduled
//	KEYS[5]  dlq:tasks
//	KEYS[6]  dlq:task:{id}
//	KEYS[7]  metrics:tasks:state:pending
//	KEYS[8]  metrics:tasks:state:active
//	KEYS[9]  metrics:tasks:state:completed
//	KEYS[10] metrics:tasks:state:failed
//	KEYS[11] metrics:tasks:state:scheduled
//	KEYS[12] metrics:tasks:state:dlq
//
// The scripts share helper bodies by duplication; Redis Lua has no
// require. Keep the copies in sync when editing.

// snapshotAndPublish fragment (inlined below in each script):
// reads queue depths and state counters after mutation, derives the
// adaptive retry ratio, and publishes the event from inside the script so
// the snapshot in the event is exactly the post-mutation state.

// createScript: if no record exists, write the initial hash, bump the
// PENDING counter, push to primary and publish task_created.
//
// ARGV: 1 id, 2 task_type, 3 payload, 4 max_retries, 5 now_iso,
//	6 channel, 7 warn_depth, 8 crit_depth
//
// Returns {1} on success, {0, "exists"} when the record is present.
var createScript = store.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return {0, "exists"}
end

local history = cjson.encode({{state = "PENDING", timestamp = ARGV[5]}})
redis.call("HSET", KEYS[1],
    "task_id", ARGV[1],
    "task_type", ARGV[2],
    "payload", ARGV[3],
    "state", "PENDING",
    "retry_count", "0",
    "max_retries", ARGV[4],
    "created_at", ARGV[5],
    "updated_at", ARGV[5],
    "state_history", history)
redis.call("INCR", KEYS[7])
redis.call("LPUSH", KEYS[2], ARGV[1])

local depths = {
    primary = redis.call("LLEN", KEYS[2]),
    retry = redis.call("LLEN", KEYS[3]),
    scheduled = redis.call("ZCARD", KEYS[4]),
    dlq = redis.call("LLEN", KEYS[5]),
}
local names = {"PENDING", "ACTIVE", "COMPLETED", "FAILED", "SCHEDULED", "DLQ"}
local counts = {}
for i, name in ipairs(names) do
    counts[name] = tonumber(redis.call("GET", KEYS[6 + i]) or "0")
end
local ratio = 0.30
if depths.retry >= tonumber(ARGV[8]) then
    ratio = 0.10
elseif depths.retry >= tonumber(ARGV[7]) then
    ratio = 0.20
end
redis.call("PUBLISH", ARGV[6], cjson.encode({
    type = "task_created",
    task_id = ARGV[1],
    new_state = "PENDING",
    queue_depths = depths,
    state_counts = counts,
    retry_ratio = ratio,
    timestamp = ARGV[5],
}))
return {1}
`)

// transitionScript: compare-and-swap on state, apply the hash patch,
// run the queue ops, move the counters, append state_history and publish
// task_state_changed. The whole mutation is one atomic step.
//
// ARGV: 1 id, 2 from_state, 3 to_state, 4 now_iso, 5 patch_json,
//	6 queue_ops_json, 7 channel, 8 warn_depth, 9 crit_depth
//
// patch_json is an object of hash field -> string value. queue_ops_json
// is an array of {op, score?, worker?} with op one of: push_primary,
// push_retry, push_dlq, zadd_scheduled, zrem_scheduled, rem_primary,
// rem_retry, rem_dlq, copy_dlq, del_dlq_copy, sadd_active, srem_active.
//
// Returns {1} on success, {0, "missing"} when the record is gone,
// {0, observed_state} on a CAS miss.
var transitionScript = store.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {0, "missing"}
end
if state ~= ARGV[2] then
    return {0, state}
end

local counters = {PENDING = 7, ACTIVE = 8, COMPLETED = 9, FAILED = 10, SCHEDULED = 11, DLQ = 12}

local hargs = {"state", ARGV[3], "updated_at", ARGV[4]}
for field, value in pairs(cjson.decode(ARGV[5])) do
    table.insert(hargs, field)
    table.insert(hargs, value)
end
redis.call("HSET", KEYS[1], unpack(hargs))

local raw = redis.call("HGET", KEYS[1], "state_history")
local history = {}
if raw then
    history = cjson.decode(raw)
end
table.insert(history, {state = ARGV[3], timestamp = ARGV[4]})
redis.call("HSET", KEYS[1], "state_history", cjson.encode(history))

for _, qop in ipairs(cjson.decode(ARGV[6])) do
    if qop.op == "push_primary" then
        redis.call("LPUSH", KEYS[2], ARGV[1])
    elseif qop.op == "push_retry" then
        redis.call("LPUSH", KEYS[3], ARGV[1])
    elseif qop.op == "push_dlq" then
        redis.call("LPUSH", KEYS[5], ARGV[1])
    elseif qop.op == "zadd_scheduled" then
        redis.call("ZADD", KEYS[4], qop.score, ARGV[1])
    elseif qop.op == "zrem_scheduled" then
        redis.call("ZREM", KEYS[4], ARGV[1])
    elseif qop.op == "rem_primary" then
        redis.call("LREM", KEYS[2], 0, ARGV[1])
    elseif qop.op == "rem_retry" then
        redis.call("LREM", KEYS[3], 0, ARGV[1])
    elseif qop.op == "rem_dlq" then
        redis.call("LREM", KEYS[5], 0, ARGV[1])
    elseif qop.op == "copy_dlq" then
        local data = redis.call("HGETALL", KEYS[1])
        redis.call("DEL", KEYS[6])
        redis.call("HSET", KEYS[6], unpack(data))
    elseif qop.op == "del_dlq_copy" then
        redis.call("DEL", KEYS[6])
    elseif qop.op == "sadd_active" then
        redis.call("SADD", "worker:active_tasks:" .. qop.worker, ARGV[1])
    elseif qop.op == "srem_active" then
        redis.call("SREM", "worker:active_tasks:" .. qop.worker, ARGV[1])
    end
end

redis.call("DECR", KEYS[counters[ARGV[2]]])
redis.call("INCR", KEYS[counters[ARGV[3]]])

local depths = {
    primary = redis.call("LLEN", KEYS[2]),
    retry = redis.call("LLEN", KEYS[3]),
    scheduled = redis.call("ZCARD", KEYS[4]),
    dlq = redis.call("LLEN", KEYS[5]),
}
local counts = {}
for name, idx in pairs(counters) do
    counts[name] = tonumber(redis.call("GET", KEYS[idx]) or "0")
end
local ratio = 0.30
if depths.retry >= tonumber(ARGV[9]) then
    ratio = 0.10
elseif depths.retry >= tonumber(ARGV[8]) then
    ratio = 0.20
end
redis.call("PUBLISH", ARGV[7], cjson.encode({
    type = "task_state_changed",
    task_id = ARGV[1],
    old_state = ARGV[2],
    new_state = ARGV[3],
    queue_depths = depths,
    state_counts = counts,
    retry_ratio = ratio,
    timestamp = ARGV[4],
}))
return {1}
`)

// recordErrorScript appends to error_history (keeping the last 50
// entries) and refreshes last_error/error_type.
//
// KEYS: 1 task:{id}
// ARGV: 1 error_type, 2 message, 3 retry_count, 4 transition, 5 now_iso
//
// Returns {1}, or {0} when the record is gone.
var recordErrorScript = store.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0}
end

local raw = redis.call("HGET", KEYS[1], "error_history")
local history = {}
if raw then
    history = cjson.decode(raw)
end
while #history >= 50 do
    table.remove(history, 1)
end
local entry = {
    error = ARGV[2],
    error_type = ARGV[1],
    retry_count = tonumber(ARGV[3]),
    timestamp = ARGV[5],
}
if ARGV[4] ~= "" then
    entry.state_transition = ARGV[4]
end
table.insert(history, entry)

redis.call("HSET", KEYS[1],
    "error_history", cjson.encode(history),
    "last_error", ARGV[2],
    "error_type", ARGV[1],
    "updated_at", ARGV[5])
return {1}
`)

// deleteScript removes the record, every queue membership, the DLQ copy
// and the counter for the observed state, then publishes the removal.
//
// ARGV: 1 id, 2 now_iso, 3 channel, 4 warn_depth, 5 crit_depth
//
// Returns {1}, or {0, "missing"} when there is no record.
var deleteScript = store.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {0, "missing"}
end

local counters = {PENDING = 7, ACTIVE = 8, COMPLETED = 9, FAILED = 10, SCHEDULED = 11, DLQ = 12}

redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("LREM", KEYS[3], 0, ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("LREM", KEYS[5], 0, ARGV[1])
redis.call("DEL", KEYS[6])
redis.call("DEL", KEYS[1])
if counters[state] then
    redis.call("DECR", KEYS[counters[state]])
end

local depths = {
    primary = redis.call("LLEN", KEYS[2]),
    retry = redis.call("LLEN", KEYS[3]),
    scheduled = redis.call("ZCARD", KEYS[4]),
    dlq = redis.call("LLEN", KEYS[5]),
}
local counts = {}
for name, idx in pairs(counters) do
    counts[name] = tonumber(redis.call("GET", KEYS[idx]) or "0")
end
local ratio = 0.30
if depths.retry >= tonumber(ARGV[5]) then
    ratio = 0.10
elseif depths.retry >= tonumber(ARGV[4]) then
    ratio = 0.20
end
redis.call("PUBLISH", ARGV[3], cjson.encode({
    type = "task_state_changed",
    task_id = ARGV[1],
    old_state = state,
    queue_depths = depths,
    state_counts = counts,
    retry_ratio = ratio,
    timestamp = ARGV[2],
}))
return {1}
`)

// requeueOrphanScript re-enqueues a PENDING record that is in no queue.
// Tasks between a queue pop and their ACTIVE CAS look orphaned for a
// moment; pushing them again is safe because activation CAS lets only
// one pop win.
//
// KEYS: 1 task:{id}, 2 primary, 3 retry, 4 scheduled, 5 dlq
// ARGV: 1 id
//
// Returns {1} when requeued, {0} otherwise.
var requeueOrphanScript = store.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "PENDING" then
    return {0}
end
if redis.call("LPOS", KEYS[2], ARGV[1]) then
    return {0}
end
if redis.call("LPOS", KEYS[3], ARGV[1]) then
    return {0}
end
if redis.call("ZSCORE", KEYS[4], ARGV[1]) then
    return {0}
end
if redis.call("LPOS", KEYS[5], ARGV[1]) then
    return {0}
end
redis.call("LPUSH", KEYS[3], ARGV[1])
return {1}
`)

// Scripts returns every task script for preloading at startup.
func Scripts() []*store.Script {
	return []*store.Script{createScript, transitionScript, recordErrorScript, deleteScript, requeueOrphanScript}
}
