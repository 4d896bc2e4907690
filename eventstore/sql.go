package eventstore

const insertEventSQL = `
INSERT INTO domain_event (
  id, event_type, aggregate_id, aggregate_type, version, payload, correlation_id, causation_id, created_at
) VALUES ($1,$2,$3,$4,$5,($6)::jsonb,$7,$8,now())
`

const currentVersionSQL = `
SELECT COALESCE(MAX(version), 0) FROM domain_event WHERE aggregate_id = $1`

const loadStreamSQL = `
SELECT id, event_type, aggregate_id, aggregate_type, version, payload, correlation_id, causation_id, created_at
FROM domain_event
WHERE aggregate_id = $1 AND version > $2
ORDER BY version`

const loadByTypesSQL = `
SELECT id, event_type, aggregate_id, aggregate_type, version, payload, correlation_id, causation_id, created_at
FROM domain_event
WHERE event_type = ANY($1) AND created_at > $2
ORDER BY created_at, version
LIMIT $3`

const upsertSnapshotSQL = `
INSERT INTO aggregate_snapshot (aggregate_id, aggregate_type, state, version, created_at)
VALUES ($1, $2, ($3)::jsonb, $4, now())
ON CONFLICT (aggregate_id) DO UPDATE
SET state = EXCLUDED.state, version = EXCLUDED.version, created_at = now()`

const loadSnapshotSQL = `
SELECT aggregate_id, aggregate_type, state, version, created_at
FROM aggregate_snapshot
WHERE aggregate_id = $1`
