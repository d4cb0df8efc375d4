package mysql

import "fmt"

const queueSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	topic VARCHAR(%d) NOT NULL,
	payload LONGBLOB NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	available_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	processed_at TIMESTAMP(6) NULL,
	PRIMARY KEY (id),
	INDEX idx_status_topic_id (status, topic, id)
);`

const kvSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	k VARCHAR(255) NOT NULL,
	v JSON NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (k),
	INDEX idx_updated_at (updated_at)
);`

const maxTopicLen = 191

// QueueSchema returns the DDL of a queue table.
func QueueSchema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(queueSchemaTemplate, name, maxTopicLen), nil
}

// KVSchema returns the DDL of a key-value table.
func KVSchema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(kvSchemaTemplate, name), nil
}
