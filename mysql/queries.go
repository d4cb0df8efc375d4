package mysql

import "fmt"

const (
	statusPending   = 0
	statusDelivered = 1
	statusDead      = 2
)

type queries struct {
	insert string
	// selectPending is indexed by selectVariant.
	selectPending    [4]string
	updateFailureOne string
	updateDeadOne    string
	countPending     string
	countByStatus    string
}

// selectVariant picks the pending query for the filters in use.
func selectVariant(byTopic, bySince bool) int {
	v := 0
	if byTopic {
		v |= 1
	}
	if bySince {
		v |= 2
	}

	return v
}

func newQueries(table string) queries {
	cols := "id, topic, payload, created_at, attempt_count"

	var selects [4]string
	for v := range selects {
		where := "status = ? AND available_at <= ?"
		if v&1 != 0 {
			where += " AND topic = ?"
		}
		if v&2 != 0 {
			where += " AND created_at >= ?"
		}
		selects[v] = fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			cols,
			table,
			where,
		)
	}

	return queries{
		insert:        fmt.Sprintf("INSERT INTO %s (id, topic, payload, available_at, created_at) VALUES (?, ?, ?, ?, ?)", table),
		selectPending: selects,
		updateFailureOne: fmt.Sprintf(
			"UPDATE %s AS cur "+
				"JOIN %s AS prev ON prev.id = cur.id "+
				"SET cur.attempt_count = prev.attempt_count + 1, cur.last_error = ?, cur.available_at = ?, "+
				"cur.status = CASE WHEN (prev.attempt_count + 1) >= ? THEN ? ELSE ? END "+
				"WHERE cur.id = ?",
			table,
			table,
		),
		updateDeadOne: fmt.Sprintf(
			"UPDATE %s SET attempt_count = attempt_count + 1, last_error = ?, status = ? WHERE id = ?",
			table,
		),
		countPending:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", table),
		countByStatus: fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", table),
	}
}

type kvQueries struct {
	get    string
	upsert string
	insert string
	update string
	delete string
	scan   string
}

func newKVQueries(table string) kvQueries {
	return kvQueries{
		get: fmt.Sprintf("SELECT v, version FROM %s WHERE k = ?", table),
		upsert: fmt.Sprintf(
			"INSERT INTO %s (k, v, version) VALUES (?, ?, 1) AS new "+
				"ON DUPLICATE KEY UPDATE v = new.v, version = %s.version + 1",
			table,
			table,
		),
		insert: fmt.Sprintf("INSERT INTO %s (k, v, version) VALUES (?, ?, 1)", table),
		update: fmt.Sprintf("UPDATE %s SET v = ?, version = version + 1 WHERE k = ? AND version = ?", table),
		delete: fmt.Sprintf("DELETE FROM %s WHERE k = ?", table),
		scan:   fmt.Sprintf("SELECT k, v, version FROM %s WHERE k LIKE ? AND k > ? ORDER BY k LIMIT ?", table),
	}
}
