package containment

// Committed rows share one sequence with pending rows so that staged and
// committed children enumerate in a single insertion order.
const pgSchema = `
CREATE SEQUENCE IF NOT EXISTS containment_seq;

CREATE TABLE IF NOT EXISTS containment (
	seq        BIGINT PRIMARY KEY,
	parent     TEXT NOT NULL,
	child      TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS containment_parent_idx ON containment (parent, seq);
CREATE INDEX IF NOT EXISTS containment_child_idx ON containment (child, seq);
CREATE UNIQUE INDEX IF NOT EXISTS containment_active_child_idx ON containment (child) WHERE end_time IS NULL;

CREATE TABLE IF NOT EXISTS containment_transactions (
	transaction_id TEXT NOT NULL,
	child          TEXT NOT NULL,
	parent         TEXT NOT NULL,
	operation      TEXT NOT NULL CHECK (operation IN ('add', 'remove', 'purge')),
	start_time     TIMESTAMPTZ,
	end_time       TIMESTAMPTZ,
	recorded_at    TIMESTAMPTZ NOT NULL,
	seq            BIGINT NOT NULL,
	PRIMARY KEY (transaction_id, child)
);

CREATE INDEX IF NOT EXISTS containment_transactions_parent_idx ON containment_transactions (transaction_id, parent);

CREATE TABLE IF NOT EXISTS containment_updated (
	resource_id TEXT PRIMARY KEY,
	updated     TIMESTAMPTZ NOT NULL
);
`

const (
	pgSelectPending = `
SELECT operation, parent, start_time, end_time, recorded_at, seq
  FROM containment_transactions
 WHERE transaction_id = $1 AND child = $2
 FOR UPDATE`

	pgSelectFacts = `
SELECT parent, end_time IS NULL
  FROM containment
 WHERE child = $1
 ORDER BY seq DESC`

	pgUpsertPending = `
INSERT INTO containment_transactions
	(transaction_id, child, parent, operation, start_time, end_time, recorded_at, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, nextval('containment_seq'))
ON CONFLICT (transaction_id, child) DO UPDATE SET
	parent = EXCLUDED.parent,
	operation = EXCLUDED.operation,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	recorded_at = EXCLUDED.recorded_at,
	seq = EXCLUDED.seq`

	pgDeletePending = `
DELETE FROM containment_transactions WHERE transaction_id = $1 AND child = $2`

	// $1 parent, $2 transaction id ('' for none), $3 cursor, $4 limit
	pgSelectContains = `
SELECT seq, child FROM (
	SELECT c.seq, c.child
	  FROM containment c
	 WHERE c.parent = $1 AND c.end_time IS NULL
	   AND NOT EXISTS (
		SELECT 1 FROM containment_transactions t
		 WHERE t.transaction_id = $2 AND t.child = c.child
		   AND (t.operation = 'purge'
			OR (t.operation = 'remove' AND t.parent = c.parent)
			OR (t.operation = 'add' AND t.end_time IS NULL AND t.parent <> c.parent)))
	UNION ALL
	SELECT t.seq, t.child
	  FROM containment_transactions t
	 WHERE t.transaction_id = $2 AND t.parent = $1
	   AND t.operation = 'add' AND t.end_time IS NULL
	   AND NOT EXISTS (
		SELECT 1 FROM containment c
		 WHERE c.parent = t.parent AND c.child = t.child AND c.end_time IS NULL)
) v
WHERE v.seq > $3
ORDER BY v.seq
LIMIT $4`

	// $1 parent, $2 memento instant, $3 cursor, $4 limit
	pgSelectContainsAt = `
SELECT seq, child
  FROM containment
 WHERE parent = $1
   AND date_trunc('second', start_time) <= $2
   AND (end_time IS NULL OR date_trunc('second', end_time) > $2)
   AND seq > $3
 ORDER BY seq
 LIMIT $4`

	// $1 parent, $2 transaction id, $3 cursor, $4 limit
	pgSelectContainsDeleted = `
SELECT c.seq, c.child
  FROM containment c
 WHERE c.parent = $1 AND c.seq > $3
   AND NOT EXISTS (
	SELECT 1 FROM containment n
	 WHERE n.parent = c.parent AND n.child = c.child AND n.seq > c.seq)
   AND CASE WHEN c.end_time IS NULL THEN
	EXISTS (
		SELECT 1 FROM containment_transactions t
		 WHERE t.transaction_id = $2 AND t.child = c.child
		   AND t.operation = 'remove' AND t.parent = c.parent)
   ELSE
	NOT EXISTS (
		SELECT 1 FROM containment_transactions t
		 WHERE t.transaction_id = $2 AND t.child = c.child
		   AND (t.operation = 'purge'
			OR (t.operation = 'add' AND t.end_time IS NULL AND t.parent = c.parent)))
   END
 ORDER BY c.seq
 LIMIT $4`

	pgSelectPendingParent = `
SELECT operation, parent, end_time IS NULL
  FROM containment_transactions
 WHERE transaction_id = $1 AND child = $2`

	pgSelectLatestParent = `
SELECT parent
  FROM containment
 WHERE child = $1
 ORDER BY (end_time IS NULL) DESC, seq DESC
 LIMIT 1`

	pgSelectExists = `
SELECT EXISTS (
	SELECT 1 FROM containment WHERE child = $1 AND (end_time IS NULL OR $2))`

	// $1 escaped LIKE pattern, $2 transaction id
	pgSelectStartingWith = `
SELECT EXISTS (
	SELECT 1 FROM containment c
	 WHERE (c.child LIKE $1 ESCAPE '\' OR c.parent LIKE $1 ESCAPE '\')
	   AND NOT EXISTS (
		SELECT 1 FROM containment_transactions t
		 WHERE t.transaction_id = $2 AND t.child = c.child AND t.operation = 'purge'))
OR EXISTS (
	SELECT 1 FROM containment_transactions t
	 WHERE t.transaction_id = $2 AND t.operation = 'add'
	   AND (t.child LIKE $1 ESCAPE '\' OR t.parent LIKE $1 ESCAPE '\'))`

	pgSelectLastUpdated = `
SELECT GREATEST(
	(SELECT updated FROM containment_updated WHERE resource_id = $1),
	(SELECT max(t.recorded_at)
	   FROM containment_transactions t
	  WHERE t.transaction_id = $2
	    AND (t.parent = $1
	     OR (t.operation = 'add' AND t.end_time IS NULL AND EXISTS (
		SELECT 1 FROM containment c
		 WHERE c.child = t.child AND c.parent = $1 AND c.end_time IS NULL)))))`

	// Commit statements, executed in order inside one database
	// transaction. $1 transaction id, $2 commit instant where used.
	pgCommitTouchParents = `
INSERT INTO containment_updated (resource_id, updated)
SELECT parent, $2::timestamptz FROM (
	SELECT t.parent FROM containment_transactions t WHERE t.transaction_id = $1
	UNION
	SELECT c.parent
	  FROM containment c
	  JOIN containment_transactions t ON t.child = c.child
	 WHERE t.transaction_id = $1
	   AND (t.operation = 'purge'
		OR (t.operation = 'add' AND t.end_time IS NULL AND c.end_time IS NULL AND c.parent <> t.parent))
) p
ON CONFLICT (resource_id) DO UPDATE SET updated = GREATEST(containment_updated.updated, EXCLUDED.updated)`

	pgCommitPurge = `
DELETE FROM containment c
 USING containment_transactions t
 WHERE t.transaction_id = $1 AND t.operation = 'purge' AND c.child = t.child`

	pgCommitRemove = `
UPDATE containment c SET end_time = $2
  FROM containment_transactions t
 WHERE t.transaction_id = $1 AND t.operation = 'remove'
   AND c.child = t.child AND c.parent = t.parent AND c.end_time IS NULL`

	pgCommitEndMoved = `
UPDATE containment c SET end_time = $2
  FROM containment_transactions t
 WHERE t.transaction_id = $1 AND t.operation = 'add' AND t.end_time IS NULL
   AND c.child = t.child AND c.parent <> t.parent AND c.end_time IS NULL`

	pgCommitAdd = `
INSERT INTO containment (seq, parent, child, start_time, end_time)
SELECT t.seq, t.parent, t.child, COALESCE(t.start_time, $2), t.end_time
  FROM containment_transactions t
 WHERE t.transaction_id = $1 AND t.operation = 'add'
   AND (t.end_time IS NOT NULL OR NOT EXISTS (
	SELECT 1 FROM containment c
	 WHERE c.parent = t.parent AND c.child = t.child AND c.end_time IS NULL))`

	pgDeleteTransaction = `DELETE FROM containment_transactions WHERE transaction_id = $1`

	pgDeleteAllTransactions = `DELETE FROM containment_transactions`

	pgTruncateAll = `TRUNCATE containment, containment_transactions, containment_updated`
)
