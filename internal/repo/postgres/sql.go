package postgres

const truckColumns = `
id, driver_name, driver_phone, license_plate, vehicle_make, vehicle_model, status,
current_location, location_history, last_seen, assigned_request, bookings, is_active,
version, created_at, updated_at`

const truckSelectByIDSQL = `SELECT` + truckColumns + `
FROM trucks
WHERE id = $1
`

const truckSelectByIDForUpdateSQL = truckSelectByIDSQL + " FOR UPDATE"

const truckListSQL = `SELECT` + truckColumns + `
FROM trucks
WHERE ($1::text IS NULL OR status = $1)
  AND (NOT $2::boolean OR is_active)
ORDER BY id
LIMIT $3::bigint OFFSET $4
`

const truckInsertSQL = `
INSERT INTO trucks (` + truckColumns + `
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,
  $8,$9,$10,$11,$12,$13,
  $14,$15,$16
)
`

const truckUpdateSQL = `
UPDATE trucks SET
  driver_name = $2,
  driver_phone = $3,
  license_plate = $4,
  vehicle_make = $5,
  vehicle_model = $6,
  status = $7,
  current_location = $8,
  location_history = $9,
  last_seen = $10,
  assigned_request = $11,
  bookings = $12,
  is_active = $13,
  version = $14,
  updated_at = $15
WHERE id = $1
`

const requestColumns = `
id, reference, requester_id, pickup, destination, status,
requested_time, start_time, end_time, assigned_truck, assigned_driver, history,
assigned_at, dispatched_at, en_route_at, arrived_at, completed_at, cancelled_at, cancel_reason,
version, created_at, updated_at`

const requestSelectByIDSQL = `SELECT` + requestColumns + `
FROM requests
WHERE id = $1
`

const requestSelectByIDForUpdateSQL = requestSelectByIDSQL + " FOR UPDATE"

const requestListSQL = `SELECT` + requestColumns + `
FROM requests
WHERE ($1::text IS NULL OR status = $1)
  AND ($2 = '' OR requester_id = $2)
  AND ($3 = '' OR assigned_truck = $3)
  AND ($4::timestamptz IS NULL OR (end_time IS NOT NULL AND start_time < $4))
ORDER BY created_at, id
LIMIT $5::bigint OFFSET $6
`

const requestInsertSQL = `
INSERT INTO requests (` + requestColumns + `
) VALUES (
  $1,$2,$3,$4,$5,$6,
  $7,$8,$9,$10,$11,$12,
  $13,$14,$15,$16,$17,$18,$19,
  $20,$21,$22
)
`

const requestUpdateSQL = `
UPDATE requests SET
  reference = $2,
  requester_id = $3,
  pickup = $4,
  destination = $5,
  status = $6,
  requested_time = $7,
  start_time = $8,
  end_time = $9,
  assigned_truck = $10,
  assigned_driver = $11,
  history = $12,
  assigned_at = $13,
  dispatched_at = $14,
  en_route_at = $15,
  arrived_at = $16,
  completed_at = $17,
  cancelled_at = $18,
  cancel_reason = $19,
  version = $20,
  updated_at = $21
WHERE id = $1
`

// Half-open overlap: existing.start < end AND existing.end > start.
const requestOverlapSQL = `SELECT` + requestColumns + `
FROM requests
WHERE assigned_truck = $1
  AND status IN ('assigned', 'dispatched', 'en_route', 'at_location')
  AND end_time IS NOT NULL
  AND start_time < $3
  AND end_time > $2
ORDER BY start_time
`

const outboxInsertSQL = `
INSERT INTO outbox_events (
  id, event_type, aggregate_type, aggregate_id, version, channels, payload, occurred_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`

const outboxFetchPendingSQL = `
SELECT id, event_type, aggregate_type, aggregate_id, version, channels, payload, occurred_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY occurred_at, version
LIMIT $1
`

const outboxMarkPublishedSQL = `
UPDATE outbox_events
SET published_at = now()
WHERE id = ANY($1::uuid[])
`

const referenceNextSQL = `
INSERT INTO reference_counters (period, n) VALUES ($1, 1)
ON CONFLICT (period) DO UPDATE SET n = reference_counters.n + 1
RETURNING n`
