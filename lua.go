package trolley

const (
	luaAppendEvents = `
		-- Atomically append events with an expected-offset check
		-- KEYS[1] = event list key
		-- KEYS[2] = base offset key (events purged below this sequence)
		-- ARGV[1] = expected offset
		-- ARGV[2..N] = event data (JSON)
		-- Returns: {1, newOffset} on success, {0, currentOffset} on conflict

		local base = tonumber(redis.call('GET', KEYS[2]) or '0')
		local current = base + redis.call('LLEN', KEYS[1])
		local expected = tonumber(ARGV[1])

		if expected ~= current then
			return {0, current}
		end

		for i = 2, #ARGV do
			redis.call('RPUSH', KEYS[1], ARGV[i])
		end

		return {1, base + redis.call('LLEN', KEYS[1])}
		`

	luaEventsAfter = `
		-- Get events with sequence greater than the given offset
		-- KEYS[1] = event list key
		-- KEYS[2] = base offset key
		-- ARGV[1] = offset

		local base = tonumber(redis.call('GET', KEYS[2]) or '0')
		local start = tonumber(ARGV[1]) - base
		if start < 0 then
			start = 0
		end
		return redis.call('LRANGE', KEYS[1], start, -1)
		`

	luaPutSnapshot = `
		-- Store a snapshot, prune retention, and purge superseded events
		-- KEYS[1] = snapshot hash key (field = offset, value = state)
		-- KEYS[2] = event list key
		-- KEYS[3] = base offset key
		-- ARGV[1] = offset
		-- ARGV[2] = state (JSON)
		-- ARGV[3] = snapshots to retain

		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])

		local offsets = {}
		for _, f in ipairs(redis.call('HKEYS', KEYS[1])) do
			table.insert(offsets, tonumber(f))
		end
		table.sort(offsets)

		local keep = tonumber(ARGV[3])
		while #offsets > keep do
			redis.call('HDEL', KEYS[1], tostring(offsets[1]))
			table.remove(offsets, 1)
		end

		-- events at or below the oldest retained snapshot are unreachable
		local floor = offsets[1]
		local base = tonumber(redis.call('GET', KEYS[3]) or '0')
		if floor > base then
			redis.call('LTRIM', KEYS[2], floor - base, -1)
			redis.call('SET', KEYS[3], floor)
		end
		return 1
		`

	luaLatestSnapshot = `
		-- Get the snapshot with the highest offset
		-- KEYS[1] = snapshot hash key
		-- Returns: {offset, state} or {}

		local best = nil
		for _, f in ipairs(redis.call('HKEYS', KEYS[1])) do
			local n = tonumber(f)
			if best == nil or n > best then
				best = n
			end
		end
		if best == nil then
			return {}
		end
		return {best, redis.call('HGET', KEYS[1], tostring(best))}
		`

	luaPublishArchive = `
		-- Move a cart's snapshot and events onto the archive stream and
		-- delete the live keys
		-- KEYS[1] = snapshot hash key
		-- KEYS[2] = event list key
		-- KEYS[3] = base offset key
		-- KEYS[4] = archive stream key
		-- ARGV[1] = entity id
		-- Returns: {1} when archived, {0} when there was nothing to move

		local best = nil
		for _, f in ipairs(redis.call('HKEYS', KEYS[1])) do
			local n = tonumber(f)
			if best == nil or n > best then
				best = n
			end
		end

		local snap = ''
		if best ~= nil then
			snap = redis.call('HGET', KEYS[1], tostring(best))
		else
			best = 0
		end

		local events = redis.call('LRANGE', KEYS[2], 0, -1)
		if best == 0 and #events == 0 then
			return {0}
		end

		local evjson = '[]'
		if #events > 0 then
			evjson = cjson.encode(events)
		end

		redis.call('XADD', KEYS[4], '*',
			'id', ARGV[1], 'snap', snap,
			'seq', tostring(best), 'events', evjson)
		redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
		return {1}
		`
)
