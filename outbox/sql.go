package outbox

const insertEventSQL = `
INSERT INTO outbox_event (
  event_id, aggregate_id, aggregate_type, topic, key, payload, partition,
  status, priority, attempts, max_attempts, scheduled_at, next_retry_at,
  expires_at, correlation_id, created_at
) VALUES ($1,$2,$3,$4,$5,($6)::jsonb,$7,'PENDING',$8,0,$9,$10,$11,$12,$13,now())
RETURNING id, created_at
`

// reserveBatchSQL picks due PENDING events for a partition set, flips them to
// PROCESSING and counts the attempt, skipping rows another worker holds.
const reserveBatchSQL = `
WITH picked AS (
	SELECT id
	FROM outbox_event
	WHERE status = 'PENDING'
		AND ($1::int[] IS NULL OR partition = ANY($1))
		AND scheduled_at <= now()
		AND next_retry_at <= now()
		AND (expires_at IS NULL OR expires_at > now())
	ORDER BY priority, created_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE outbox_event AS o
SET status = 'PROCESSING', attempts = attempts + 1
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.event_id, o.aggregate_id, o.aggregate_type, o.topic, o.key,
	o.payload, o.partition, o.status, o.priority, o.attempts, o.max_attempts,
	o.scheduled_at, o.next_retry_at, o.expires_at, o.correlation_id,
	o.last_error, o.processed_at, o.processing_ms, o.created_at;
`

const markCompletedSQL = `
UPDATE outbox_event
SET status='COMPLETED', processed_at=now(), processing_ms=$2, last_error=''
WHERE id=$1`

const markRetrySQL = `
UPDATE outbox_event
SET status='PENDING', next_retry_at=$2, last_error=$3
WHERE id=$1`

const markTerminalSQL = `
UPDATE outbox_event
SET status=$2, last_error=$3
WHERE id=$1`

const markExpiredSQL = `
UPDATE outbox_event
SET status='SKIPPED'
WHERE status='PENDING' AND expires_at IS NOT NULL AND expires_at <= $1`

const deleteCompletedSQL = `
DELETE FROM outbox_event
WHERE status='COMPLETED' AND processed_at < $1`

const statsCountsSQL = `
SELECT status, COUNT(*), COALESCE(SUM(length(payload::text)), 0)
FROM outbox_event
GROUP BY status`

const statsTimingSQL = `
SELECT COALESCE(AVG(processing_ms), 0),
	COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY processing_ms), 0)
FROM outbox_event
WHERE status='COMPLETED'`
